package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atana/registration-migrator/internal/apperrors"
	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/metrics"
	"github.com/atana/registration-migrator/internal/models"
	"github.com/atana/registration-migrator/internal/source"
	"github.com/atana/registration-migrator/internal/storage"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing
var ErrRunInProgress = errors.New("migration run already in progress")

// Service drives registrations from the source into the store
type Service struct {
	config   config.MigrationConfig
	source   source.Reader
	writer   storage.RegistrationWriter
	recorder storage.RunRecorder
	metrics  *metrics.Collector

	running    atomic.Bool
	background sync.WaitGroup
	now        func() time.Time
}

// NewService creates a new migration service. recorder and collector may be
// nil.
func NewService(
	cfg config.MigrationConfig,
	reader source.Reader,
	writer storage.RegistrationWriter,
	recorder storage.RunRecorder,
	collector *metrics.Collector,
) *Service {
	if recorder == nil {
		recorder = storage.NopRunRecorder{}
	}
	return &Service{
		config:   cfg,
		source:   reader,
		writer:   writer,
		recorder: recorder,
		metrics:  collector,
		now:      time.Now,
	}
}

// Running reports whether a run is executing
func (s *Service) Running() bool {
	return s.running.Load()
}

// Start performs an initial run and, when an interval is configured, keeps
// running on that interval until ctx is cancelled
func (s *Service) Start(ctx context.Context, filter source.Filter) error {
	if _, err := s.Run(ctx, filter); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	if s.config.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx, filter); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					logger.Warn().Msg("Previous migration still running, skipping tick")
					continue
				}
				// Log error but don't stop the service
				logger.Error().Err(err).Msg("Migration run failed")
			}
		}
	}
}

// Run migrates every registration matching filter. Pages are fetched one at
// a time and each registration is written by its own goroutine, bounded by
// the configured concurrency. Run returns once pagination has ended and
// every dispatched write has settled.
//
// A failed write is counted and logged but does not stop the run. A fetch
// failure stops pagination; the report is returned together with the error.
func (s *Service) Run(ctx context.Context, filter source.Filter) (*models.RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	report := models.NewRunReport(s.now())
	err := s.execute(ctx, filter, report)
	return report, err
}

// Trigger starts a run in the background and returns its initial report
func (s *Service) Trigger(ctx context.Context, filter source.Filter) (*models.RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}

	report := models.NewRunReport(s.now())
	accepted := *report
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.running.Store(false)
		if err := s.execute(ctx, filter, report); err != nil {
			logger.Error().Err(err).Str("run_id", report.ID).Msg("Triggered migration run failed")
		}
	}()
	return &accepted, nil
}

// Wait blocks until every triggered run has recorded its final report, or
// until ctx is done
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, filter source.Filter, report *models.RunReport) error {
	// Writes and run bookkeeping outlive caller cancellation so that a begun
	// transaction always reaches commit or rollback.
	detached := context.WithoutCancel(ctx)
	started := time.Now()

	s.record(detached, report)
	logger.Info().Str("run_id", report.ID).Int("concurrency", s.concurrency()).Msg("Starting migration run")

	var (
		seen, migrated, failed atomic.Int64
		fetchErr               error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency())

	for {
		if err := ctx.Err(); err != nil {
			fetchErr = err
			break
		}

		page, err := s.source.FetchPage(ctx, filter)
		if err != nil {
			fetchErr = fmt.Errorf("page %d: %w", report.Pages+1, err)
			break
		}
		report.Pages++
		s.metrics.PageFetched()
		logger.Debug().
			Str("run_id", report.ID).
			Int("page", report.Pages).
			Int("registrations", len(page.Registrations)).
			Msg("Fetched registration page")

		for _, reg := range page.Registrations {
			seen.Add(1)
			g.Go(func() error {
				if s.write(detached, reg) {
					migrated.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}

		if page.More == "" {
			break
		}
		filter.More = page.More
	}

	// Writes never return an error, so Wait only joins them.
	_ = g.Wait()

	report.Seen = int(seen.Load())
	report.Migrated = int(migrated.Load())
	report.Failed = int(failed.Load())
	report.FinishedAt = s.now().UTC()

	switch {
	case fetchErr != nil && report.Pages == 0:
		report.Status = models.RunFailed
	case fetchErr != nil || report.Failed > 0:
		report.Status = models.RunPartial
	default:
		report.Status = models.RunSuccess
	}
	if fetchErr != nil {
		report.Error = fetchErr.Error()
	}

	s.record(detached, report)
	s.metrics.RunFinished(string(report.Status), time.Since(started))

	event := logger.Info()
	if report.Status != models.RunSuccess {
		event = logger.Warn().Err(fetchErr)
	}
	event.
		Str("run_id", report.ID).
		Str("status", string(report.Status)).
		Int("pages", report.Pages).
		Int("seen", report.Seen).
		Int("migrated", report.Migrated).
		Int("failed", report.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("Migration run finished")

	return fetchErr
}

// write upserts one registration and reports whether it succeeded
func (s *Service) write(ctx context.Context, reg models.Registration) bool {
	s.metrics.WriteStarted()

	err := s.writer.UpsertRegistration(ctx, reg)
	if err == nil {
		s.metrics.WriteSucceeded()
		return true
	}

	stage := "unknown"
	var writeErr *storage.WriteError
	if errors.As(err, &writeErr) {
		stage = string(writeErr.Stage)
	}
	kind := apperrors.Kind(err)
	s.metrics.WriteFailed(stage, kind)

	logger.Error().Err(err).
		Str("registration_id", reg.ID).
		Str("stage", stage).
		Str("kind", kind).
		Msg("Failed to migrate registration")
	return false
}

func (s *Service) record(ctx context.Context, report *models.RunReport) {
	if err := s.recorder.RecordRun(ctx, report); err != nil {
		logger.Warn().Err(err).Str("run_id", report.ID).Msg("Failed to record migration run")
	}
}

func (s *Service) concurrency() int {
	if s.config.Concurrency < 1 {
		return 1
	}
	return s.config.Concurrency
}
