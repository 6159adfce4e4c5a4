// Package beiwe pulls device data archives from Beiwe research servers
// into the PHOENIX hierarchy via the data-access API.
package beiwe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

const (
	// SourceName matches the source column label prefix in study metadata
	SourceName = "beiwe"

	datatypeDir = "phone"

	archiveDayLayout = "20060102"
)

// Source syncs Beiwe accounts. One archive per subject per day is kept,
// covering the window from the resolved backfill start to the fetch time.
type Source struct {
	clients       map[string]Client
	backfillStart string
	phoenix       *phoenix.Phoenix
	metrics       *metrics.Metrics
	logger        *logging.Logger

	// now is replaceable in tests
	now func() time.Time
}

// New creates a Source over the given clients, keyed by the account label
// used in study metadata source columns.
func New(clients map[string]Client, backfillStart string, ph *phoenix.Phoenix, m *metrics.Metrics) (*Source, error) {
	if ph == nil {
		return nil, fmt.Errorf("phoenix must not be nil")
	}
	for label, client := range clients {
		if client == nil {
			return nil, fmt.Errorf("beiwe account %q has no client", label)
		}
	}

	return &Source{
		clients:       clients,
		backfillStart: backfillStart,
		phoenix:       ph,
		metrics:       m,
		logger:        logging.GetLogger("source.beiwe"),
		now:           time.Now,
	}, nil
}

// Name returns the source name used in study metadata.
func (s *Source) Name() string {
	return SourceName
}

// Sync fetches one device data archive per Beiwe enrollment of the
// subject. An archive already present for today is not fetched again.
func (s *Source) Sync(ctx context.Context, subject phoenix.Subject, dry bool) error {
	var errs []error

	for _, sid := range subject.Sources[SourceName] {
		client, ok := s.clients[sid.Label]
		if !ok {
			s.logger.WarnWithFields("no such beiwe account configured",
				logging.Field("account", sid.Label),
				logging.Field("study", subject.Study),
				logging.Field("subject", subject.ID))
			continue
		}

		if err := s.syncEnrollment(ctx, client, sid, subject, dry); err != nil {
			if s.metrics != nil {
				s.metrics.SyncErrors.WithLabelValues(SourceName, subject.Study).Inc()
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Source) syncEnrollment(ctx context.Context, client Client, sid phoenix.SourceID, subject phoenix.Subject, dry bool) error {
	start, err := ResolveBackfillStart(s.backfillStart, subject.Consent)
	if err != nil {
		return err
	}
	end := s.now()

	name := fmt.Sprintf("%s_%s.zip", sid.ID, end.UTC().Format(archiveDayLayout))
	dst := s.phoenix.ProtectedPath(subject.Study, subject.ID, datatypeDir, name)

	log := s.logger.WithFields(
		logging.Field("study", subject.Study),
		logging.Field("subject", subject.ID),
		logging.Field("patient", sid.ID))

	if _, err := os.Stat(dst); err == nil {
		log.Debug("skipping, archive for today exists")
		return nil
	}

	if dry {
		log.InfoWithFields("would download device data",
			logging.Field("from", start.UTC().Format(time.RFC3339)),
			logging.Field("to", end.UTC().Format(time.RFC3339)),
			logging.Field("local", dst))
		return nil
	}

	body, err := client.GetData(ctx, DataRequest{
		StudyID:   subject.Study,
		PatientID: sid.ID,
		TimeStart: start,
		TimeEnd:   end,
	})
	if err != nil {
		return &source.DownloadError{Path: fmt.Sprintf("beiwe:%s/%s", sid.Label, sid.ID), Err: err}
	}
	defer body.Close()

	var counter countingWriter
	if err := phoenix.Save(dst, io.TeeReader(body, &counter), phoenix.SaveOptions{}); err != nil {
		return &source.DownloadError{Path: dst, Err: err}
	}

	if s.metrics != nil {
		s.metrics.FilesDownloaded.WithLabelValues(SourceName, subject.Study).Inc()
		s.metrics.BytesDownloaded.WithLabelValues(SourceName, subject.Study).Add(float64(counter))
	}
	log.InfoWithFields("downloaded device data",
		logging.Field("local", dst),
		logging.Field("bytes", int64(counter)))

	return nil
}

type countingWriter int64

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}
