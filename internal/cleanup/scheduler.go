package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/resource"
)

const (
	DefaultInterval = 10 * time.Minute
	// runTimeout bounds a single pass over every store.
	runTimeout = 5 * time.Minute
)

// Sweeper is a store the scheduler keeps within its TTL and quota.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (resource.SweepReport, error)
	Stats() resource.Stats
}

// Result is the outcome of sweeping one store.
type Result struct {
	Store    string               `json:"store"`
	Report   resource.SweepReport `json:"report"`
	Duration time.Duration        `json:"duration"`
	Error    string               `json:"error,omitempty"`
}

// Service sweeps the resource and temp stores on a cron schedule.
type Service struct {
	stores   []Sweeper
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	cron *cron.Cron
	// mu keeps scheduled runs and RunOnce from overlapping.
	mu sync.Mutex
}

// NewService creates a cleanup service. metrics may be nil.
func NewService(interval time.Duration, m *metrics.Metrics, logger *zap.Logger, stores ...Sweeper) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Service{
		stores:   stores,
		interval: interval,
		metrics:  m,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start schedules the background cleanup.
func (s *Service) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.runCleanup); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("Cleanup service started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// expire.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Cleanup service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Cleanup pass failed", zap.Error(err))
	}
}

// RunOnce sweeps every store now. A failing store does not stop the others.
func (s *Service) RunOnce(ctx context.Context) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, 0, len(s.stores))
	var errs []error
	for _, store := range s.stores {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		start := time.Now()
		report, err := store.Sweep(ctx)
		d := time.Since(start)

		res := Result{Store: store.Name(), Report: report, Duration: d}
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("sweep %s: %w", store.Name(), err))
		}
		results = append(results, res)

		s.metrics.Swept(store.Name(), report.Expired, report.Evicted, d)
		st := store.Stats()
		s.metrics.StoreUsage(store.Name(), st.Files, st.Bytes)

		s.logger.Debug("Store swept",
			zap.String("store", store.Name()),
			zap.Int("expired", report.Expired),
			zap.Int("evicted", report.Evicted),
			zap.Int("remaining", report.Remaining),
			zap.Duration("took", d))
	}
	return results, errors.Join(errs...)
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
