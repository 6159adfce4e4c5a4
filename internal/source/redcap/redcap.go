// Package redcap pulls survey records from REDCap projects into the
// PHOENIX hierarchy. Raw exports land in the PROTECTED branch; the
// GENERAL branch receives the de-identified rendition when the study
// is configured for it.
package redcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/moolen/lochness/internal/config"
	"github.com/moolen/lochness/internal/deidentify"
	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

const (
	// SourceName matches the source column label prefix in study metadata
	SourceName = "redcap"

	datatypeDir = "redcap"
)

// Source syncs REDCap projects, keyed by the account label used in study
// metadata source columns.
type Source struct {
	clients map[string]Client
	studies map[string]config.RedcapStudy
	phoenix *phoenix.Phoenix
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu          sync.Mutex
	identifiers map[string][]string // per-label data dictionary cache
}

// New creates a Source. studies carries the per-study de-identification
// settings from configuration.
func New(clients map[string]Client, studies map[string]config.RedcapStudy, ph *phoenix.Phoenix, m *metrics.Metrics) (*Source, error) {
	if ph == nil {
		return nil, fmt.Errorf("phoenix must not be nil")
	}
	for label, client := range clients {
		if client == nil {
			return nil, fmt.Errorf("redcap project %q has no client", label)
		}
	}

	return &Source{
		clients:     clients,
		studies:     studies,
		phoenix:     ph,
		metrics:     m,
		logger:      logging.GetLogger("source.redcap"),
		identifiers: make(map[string][]string),
	}, nil
}

// Name returns the source name used in study metadata.
func (s *Source) Name() string {
	return SourceName
}

// Sync exports the subject's records from every enrolled REDCap project.
// Files are rewritten only when the export content changed.
func (s *Source) Sync(ctx context.Context, subject phoenix.Subject, dry bool) error {
	var errs []error

	for _, sid := range subject.Sources[SourceName] {
		client, ok := s.clients[sid.Label]
		if !ok {
			s.logger.WarnWithFields("no such redcap project configured",
				logging.Field("project", sid.Label),
				logging.Field("study", subject.Study),
				logging.Field("subject", subject.ID))
			continue
		}

		if err := s.syncProject(ctx, client, sid, subject, dry); err != nil {
			if s.metrics != nil {
				s.metrics.SyncErrors.WithLabelValues(SourceName, subject.Study).Inc()
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Source) syncProject(ctx context.Context, client Client, sid phoenix.SourceID, subject phoenix.Subject, dry bool) error {
	records, err := client.ExportRecords(ctx, sid.ID)
	if err != nil {
		return &source.DownloadError{Path: fmt.Sprintf("redcap:%s/%s", sid.Label, sid.ID), Err: err}
	}

	log := s.logger.WithFields(
		logging.Field("study", subject.Study),
		logging.Field("subject", subject.ID),
		logging.Field("record", sid.ID))

	raw, err := marshalRecords(records)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s.json", sid.ID)
	rawDst := s.phoenix.ProtectedPath(subject.Study, subject.ID, datatypeDir, name)

	wrote, err := s.writeIfChanged(rawDst, raw, dry, log)
	if err != nil {
		return err
	}
	if wrote && s.metrics != nil {
		s.metrics.FilesDownloaded.WithLabelValues(SourceName, subject.Study).Inc()
		s.metrics.BytesDownloaded.WithLabelValues(SourceName, subject.Study).Add(float64(len(raw)))
	}

	general := raw
	studyCfg := s.studies[subject.Study]
	if studyCfg.Deidentify {
		scrubber, err := s.scrubberFor(ctx, client, sid.Label, studyCfg)
		if err != nil {
			return err
		}

		scrubbed, blanked := scrubber.Records(records)
		if len(blanked) > 0 {
			log.DebugWithFields("blanked identifying fields", logging.Field("fields", blanked))
		}
		general, err = marshalRecords(scrubbed)
		if err != nil {
			return err
		}
	}

	generalDst := s.phoenix.GeneralPath(subject.Study, subject.ID, datatypeDir, name)
	if _, err := s.writeIfChanged(generalDst, general, dry, log); err != nil {
		return err
	}

	return nil
}

// scrubberFor builds the study's scrubber from its extra fields plus the
// identifier flags in the project's data dictionary. The dictionary is
// fetched once per project.
func (s *Source) scrubberFor(ctx context.Context, client Client, label string, studyCfg config.RedcapStudy) (*deidentify.Scrubber, error) {
	s.mu.Lock()
	fields, ok := s.identifiers[label]
	s.mu.Unlock()

	if !ok {
		var err error
		fields, err = client.ExportIdentifierFields(ctx)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", label, err)
		}
		s.mu.Lock()
		s.identifiers[label] = fields
		s.mu.Unlock()
	}

	scrubber := deidentify.New(studyCfg.ExtraFields...)
	scrubber.MarkIdentifiers(fields)
	return scrubber, nil
}

func (s *Source) writeIfChanged(dst string, data []byte, dry bool, log *logging.Logger) (bool, error) {
	if existing, err := os.ReadFile(dst); err == nil && bytes.Equal(existing, data) {
		log.DebugWithFields("skipping, content unchanged", logging.Field("local", dst))
		return false, nil
	}

	if dry {
		log.InfoWithFields("would write records",
			logging.Field("local", dst),
			logging.Field("bytes", len(data)))
		return false, nil
	}

	if err := phoenix.Save(dst, bytes.NewReader(data), phoenix.SaveOptions{}); err != nil {
		return false, err
	}
	log.InfoWithFields("wrote records", logging.Field("local", dst), logging.Field("bytes", len(data)))
	return true, nil
}

// marshalRecords serializes an export with stable key ordering so content
// comparison across polls only sees real changes.
func marshalRecords(records []map[string]string) ([]byte, error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
