// Package sync runs the polling loop that moves study data from external
// sources into PHOENIX. Every cycle walks all studies and subjects from
// the metadata files, fans work out per study, and reports each study's
// errors to the notifier.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/notify"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

const defaultStudyConcurrency = 4

// Options configure the scheduler.
type Options struct {
	Phoenix  *phoenix.Phoenix
	Registry *source.Registry
	Notifier notify.Notifier
	Metrics  *metrics.Metrics

	// Tracer is optional; nil disables spans
	Tracer trace.Tracer

	// PollInterval is the delay between cycles
	PollInterval time.Duration

	// StudyConcurrency bounds how many studies sync in parallel
	StudyConcurrency int

	// DryRun logs planned downloads without writing anything
	DryRun bool
}

// Scheduler is the lifecycle component driving poll cycles.
type Scheduler struct {
	opts   Options
	logger *logging.Logger

	mu       stdsync.Mutex
	interval time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Phoenix == nil {
		return nil, fmt.Errorf("phoenix must not be nil")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("source registry must not be nil")
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if opts.StudyConcurrency <= 0 {
		opts.StudyConcurrency = defaultStudyConcurrency
	}

	return &Scheduler{
		opts:     opts,
		logger:   logging.GetLogger("sync"),
		interval: opts.PollInterval,
	}, nil
}

// Start launches the poll loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	return nil
}

// Stop cancels the running cycle and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sync loop to stop")
	}
}

// Name returns the component name.
func (s *Scheduler) Name() string {
	return "Sync Scheduler"
}

// SetPollInterval changes the delay between cycles, effective after the
// current wait. Used by config hot reload.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d != s.interval {
		s.logger.InfoWithFields("poll interval changed", logging.Field("interval", d.String()))
		s.interval = d
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorWithErr("sync cycle finished with errors", err)
		}

		timer := time.NewTimer(s.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle executes one full poll cycle over all studies. Per-study
// errors are sent to the notifier and returned joined, so a single run
// can surface them on the command line.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	runID := uuid.NewString()
	log := s.logger.WithField("run_id", runID)
	start := time.Now()

	if s.opts.Tracer != nil {
		var span trace.Span
		ctx, span = s.opts.Tracer.Start(ctx, "sync.cycle")
		defer span.End()
	}

	studies, err := s.opts.Phoenix.Studies()
	if err != nil {
		return err
	}
	log.InfoWithFields("starting sync cycle",
		logging.Field("studies", len(studies)),
		logging.Field("dry_run", s.opts.DryRun))

	var (
		mu       stdsync.Mutex
		cycleErr []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.StudyConcurrency)

	for _, study := range studies {
		study := study
		g.Go(func() error {
			errs := s.syncStudy(gctx, study, log)
			if len(errs) == 0 {
				return nil
			}

			mu.Lock()
			cycleErr = append(cycleErr, errs...)
			mu.Unlock()

			if s.opts.Notifier != nil && !s.opts.DryRun {
				if err := s.opts.Notifier.SendErrorDigest(gctx, study, errs); err != nil {
					log.WithField("study", study).ErrorWithErr("failed to send error digest", err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		mu.Lock()
		cycleErr = append(cycleErr, err)
		mu.Unlock()
	}

	elapsed := time.Since(start)
	if s.opts.Metrics != nil {
		s.opts.Metrics.CycleDuration.Observe(elapsed.Seconds())
	}
	log.InfoWithFields("sync cycle finished",
		logging.Field("duration", elapsed.String()),
		logging.Field("errors", len(cycleErr)))

	return errors.Join(cycleErr...)
}

// syncStudy pulls every active subject of one study through its
// configured sources, collecting errors instead of aborting.
func (s *Scheduler) syncStudy(ctx context.Context, study string, log *logging.Logger) []error {
	if s.opts.Tracer != nil {
		var span trace.Span
		ctx, span = s.opts.Tracer.Start(ctx, "sync.study")
		defer span.End()
	}

	subjects, err := s.opts.Phoenix.Subjects(study)
	if err != nil {
		return []error{fmt.Errorf("study %s: %w", study, err)}
	}

	var errs []error
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		for _, name := range sourceNames(subject) {
			src := s.opts.Registry.Get(name)
			if src == nil {
				log.WarnWithFields("subject references an unconfigured source",
					logging.Field("study", study),
					logging.Field("subject", subject.ID),
					logging.Field("source", name))
				continue
			}

			if err := src.Sync(ctx, subject, s.opts.DryRun); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s via %s: %w", study, subject.ID, name, err))
			}
		}
	}
	return errs
}

func sourceNames(subject phoenix.Subject) []string {
	names := make([]string, 0, len(subject.Sources))
	for name := range subject.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
