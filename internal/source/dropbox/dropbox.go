// Package dropbox pulls subject files from Dropbox accounts into the
// PHOENIX hierarchy. Downloads are verified against the Dropbox content
// hash before the file is committed locally, and the remote copy is only
// deleted after a verified save.
package dropbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

const (
	// SourceName matches the source column label prefix in study metadata
	SourceName = "dropbox"

	datatypeDir = "dropbox"

	// maxDownloadAttempts bounds re-downloads after a hash mismatch
	maxDownloadAttempts = 3

	// verifiedCacheSize bounds the remote path -> content hash cache
	verifiedCacheSize = 4096
)

// Account is one configured Dropbox account.
type Account struct {
	// Client talks to the Dropbox API for this account
	Client Client

	// Base is the remote search root; subject folders live directly
	// beneath it
	Base string

	// DeleteOnSuccess removes the remote file after a verified local save
	DeleteOnSuccess bool
}

// Source syncs Dropbox accounts. Safe for concurrent Sync calls on
// different subjects.
type Source struct {
	accounts map[string]Account
	phoenix  *phoenix.Phoenix
	metrics  *metrics.Metrics
	verified *lru.Cache[string, string]
	logger   *logging.Logger
}

// New creates a Source over the given accounts, keyed by the account
// label used in study metadata source columns.
func New(accounts map[string]Account, ph *phoenix.Phoenix, m *metrics.Metrics) (*Source, error) {
	if ph == nil {
		return nil, fmt.Errorf("phoenix must not be nil")
	}
	for label, account := range accounts {
		if account.Client == nil {
			return nil, fmt.Errorf("dropbox account %q has no client", label)
		}
	}

	cache, err := lru.New[string, string](verifiedCacheSize)
	if err != nil {
		return nil, err
	}

	return &Source{
		accounts: accounts,
		phoenix:  ph,
		metrics:  m,
		verified: cache,
		logger:   logging.GetLogger("source.dropbox"),
	}, nil
}

// Name returns the source name used in study metadata.
func (s *Source) Name() string {
	return SourceName
}

// Sync pulls all new files for one subject from every Dropbox account the
// subject is enrolled in. Per-file failures are collected so one bad file
// does not stop the rest of the subject's data.
func (s *Source) Sync(ctx context.Context, subject phoenix.Subject, dry bool) error {
	var errs []error

	for _, sid := range subject.Sources[SourceName] {
		account, ok := s.accounts[sid.Label]
		if !ok {
			s.logger.WarnWithFields("no such dropbox account configured",
				logging.Field("account", sid.Label),
				logging.Field("study", subject.Study),
				logging.Field("subject", subject.ID))
			continue
		}

		if err := s.syncAccount(ctx, account, sid, subject, dry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Source) syncAccount(ctx context.Context, account Account, sid phoenix.SourceID, subject phoenix.Subject, dry bool) error {
	root := path.Join(account.Base, sid.ID)

	remote, err := account.Client.ListFolder(ctx, root)
	if err != nil {
		s.countError(subject.Study)
		return fmt.Errorf("dropbox account %s: %w", sid.Label, err)
	}

	var errs []error
	for _, f := range remote {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := s.syncFile(ctx, account, f, root, subject, dry); err != nil {
			s.countError(subject.Study)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Source) syncFile(ctx context.Context, account Account, f RemoteFile, root string, subject phoenix.Subject, dry bool) error {
	rel := strings.TrimPrefix(f.Path, strings.ToLower(root))
	rel = strings.TrimPrefix(rel, "/")
	dst := s.phoenix.ProtectedPath(subject.Study, subject.ID, datatypeDir,
		filepath.FromSlash(rel))

	log := s.logger.WithFields(
		logging.Field("study", subject.Study),
		logging.Field("subject", subject.ID),
		logging.Field("remote", f.Path))

	if hash, ok := s.verified.Get(f.Path); ok && hash == f.ContentHash {
		log.Debug("skipping, content hash already verified")
		return nil
	}

	if _, err := os.Stat(dst); err == nil {
		log.Debug("skipping, file exists locally")
		s.verified.Add(f.Path, f.ContentHash)
		return nil
	}

	if dry {
		log.InfoWithFields("would download",
			logging.Field("local", dst),
			logging.Field("bytes", f.Size))
		return nil
	}

	if err := s.download(ctx, account, f, dst, log); err != nil {
		return err
	}

	s.verified.Add(f.Path, f.ContentHash)
	if s.metrics != nil {
		s.metrics.FilesDownloaded.WithLabelValues(SourceName, subject.Study).Inc()
		s.metrics.BytesDownloaded.WithLabelValues(SourceName, subject.Study).Add(float64(f.Size))
	}
	log.InfoWithFields("downloaded", logging.Field("local", dst), logging.Field("bytes", f.Size))

	if account.DeleteOnSuccess {
		if err := account.Client.Delete(ctx, f.Path); err != nil {
			return &source.DeletionError{Path: f.Path, Err: err}
		}
		log.Debug("deleted remote file after verified save")
	}

	return nil
}

// download fetches the remote file and commits it only when the streamed
// bytes hash to the content hash Dropbox reported. A mismatch discards
// the temp file and re-downloads, a bounded number of times.
func (s *Source) download(ctx context.Context, account Account, f RemoteFile, dst string, log *logging.Logger) error {
	attempt := 0

	op := func() error {
		attempt++
		if attempt > 1 {
			log.WarnWithFields("re-downloading after hash mismatch",
				logging.Field("attempt", attempt))
		}

		content, err := account.Client.Download(ctx, f.Path)
		if err != nil {
			return backoff.Permanent(&source.DownloadError{Path: f.Path, Err: err})
		}
		defer content.Close()

		hasher := NewContentHasher()
		err = phoenix.Save(dst, io.TeeReader(content, hasher), phoenix.SaveOptions{
			Verify: func() error {
				if got := hasher.Sum(); got != f.ContentHash {
					return &source.HashMismatchError{Path: f.Path, Want: f.ContentHash, Got: got}
				}
				return nil
			},
		})

		var mismatch *source.HashMismatchError
		if errors.As(err, &mismatch) {
			return err
		}
		if err != nil {
			return backoff.Permanent(&source.DownloadError{Path: f.Path, Err: err})
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), maxDownloadAttempts-1),
		ctx)
	return backoff.Retry(op, policy)
}

func (s *Source) countError(study string) {
	if s.metrics != nil {
		s.metrics.SyncErrors.WithLabelValues(SourceName, study).Inc()
	}
}
