package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/metrics"
	"github.com/efreitasn/certauction/internal/store"
)

// Lease guards a scheduler tick when several instances share one store.
// TryAcquire returns ok=false when another instance holds the lease.
type Lease interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Scheduler periodically activates SCHEDULED batches whose start time has
// arrived and closes ACTIVE batches whose end time has passed. Each batch
// moves inside its own transaction; a batch that fails is left in its
// prior status and retried on the next tick.
type Scheduler struct {
	interval time.Duration
	engine   *Engine
	store    store.Reader
	lease    Lease
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex // one tick at a time within this process
}

// NewScheduler creates a Scheduler. lease, m and logger may be nil.
func NewScheduler(interval time.Duration, eng *Engine, r store.Reader, lease Lease, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		engine:   eng,
		store:    r,
		lease:    lease,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches a background goroutine that ticks at the configured
// interval. It stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, s.now())
			}
		}
	}()
}

// TickResult summarizes one pass.
type TickResult struct {
	Started []string
	Closed  []string
	Failed  []string
	Skipped bool
}

// tick runs one activation pass followed by one closing pass.
func (s *Scheduler) tick(ctx context.Context, now time.Time) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res TickResult
	if s.lease != nil {
		release, ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			s.logger.Warn("scheduler lease unavailable", slog.String("error", err.Error()))
			s.metrics.SchedulerTick("lease_error")
			res.Skipped = true
			return res
		}
		if !ok {
			s.logger.Debug("scheduler lease held elsewhere")
			s.metrics.SchedulerTick("skipped")
			res.Skipped = true
			return res
		}
		defer release()
	}

	// Step 1: activate due batches.
	due, err := s.store.ListBatches(ctx, store.BatchFilter{Status: domain.BatchScheduled, DueBefore: &now})
	if err != nil {
		s.logger.Warn("scheduler query failed", slog.String("status", string(domain.BatchScheduled)), slog.String("error", err.Error()))
		s.metrics.SchedulerTick("error")
		return res
	}
	for _, b := range due {
		if _, err := s.engine.StartBatch(ctx, b.ID); err != nil {
			res.Failed = append(res.Failed, b.ID)
			s.logFailure("activate", b.ID, err)
			continue
		}
		res.Started = append(res.Started, b.ID)
	}

	// Step 2: close expired batches. A batch activated above whose end
	// time has also passed closes in the same tick.
	expired, err := s.store.ListBatches(ctx, store.BatchFilter{Status: domain.BatchActive, DueBefore: &now})
	if err != nil {
		s.logger.Warn("scheduler query failed", slog.String("status", string(domain.BatchActive)), slog.String("error", err.Error()))
		s.metrics.SchedulerTick("error")
		return res
	}
	for _, b := range expired {
		if _, err := s.engine.CloseBatch(ctx, b.ID); err != nil {
			res.Failed = append(res.Failed, b.ID)
			s.logFailure("close", b.ID, err)
			continue
		}
		res.Closed = append(res.Closed, b.ID)
	}

	result := "ok"
	if len(res.Failed) > 0 {
		result = "partial"
	}
	s.metrics.SchedulerTick(result)
	if len(res.Started)+len(res.Closed)+len(res.Failed) > 0 {
		s.logger.Info("scheduler tick",
			slog.Int("started", len(res.Started)),
			slog.Int("closed", len(res.Closed)),
			slog.Int("failed", len(res.Failed)),
		)
	}
	return res
}

func (s *Scheduler) logFailure(action, batchID string, err error) {
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Another actor moved the batch first.
		s.logger.Info("scheduler transition skipped",
			slog.String("action", action),
			slog.String("batch_id", batchID),
		)
		return
	}
	s.logger.Warn("scheduler transition failed, will retry",
		slog.String("action", action),
		slog.String("batch_id", batchID),
		slog.String("error", err.Error()),
	)
}
