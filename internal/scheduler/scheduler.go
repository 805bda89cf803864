package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reconciler folds observed process state into every non-terminal run and
// reports how many it examined.
type Reconciler interface {
	ReconcileActive(ctx context.Context) int
}

// Counter reports run totals.
type Counter interface {
	CountActive() int
	CountRuns() int
}

// Scheduler periodically reconciles active runs so that exits are noticed
// even when nobody polls the API.
type Scheduler struct {
	reconciler Reconciler
	counter    Counter
	config     *Config
	logger     *slog.Logger

	mu        sync.Mutex
	sweeps    int
	lastSweep time.Time
	lastSeen  int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(r Reconciler, c Counter, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		reconciler: r,
		counter:    c,
		config:     cfg,
		logger:     logger.With(slog.String("component", "scheduler")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the sweep loop. It is a no-op when the interval is zero.
func (sch *Scheduler) Start() {
	if sch.config.Interval <= 0 {
		sch.logger.Info("reconcile sweeper disabled")
		return
	}
	sch.wg.Add(1)
	go sch.loop()
	sch.logger.Info("scheduler started", slog.Duration("interval", sch.config.Interval))
}

// Stop gracefully stops the scheduler and waits for an in-flight sweep.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.Sweep(sch.ctx)
		}
	}
}

// Sweep reconciles every active run once.
func (sch *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	n := sch.reconciler.ReconcileActive(ctx)

	sch.mu.Lock()
	sch.sweeps++
	sch.lastSweep = start.UTC()
	sch.lastSeen = n
	sch.mu.Unlock()

	if n > 0 {
		sch.logger.Debug("sweep complete", slog.Int("examined", n), slog.Duration("took", time.Since(start)))
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	var last string
	if !sch.lastSweep.IsZero() {
		last = sch.lastSweep.Format(time.RFC3339Nano)
	}

	stats := map[string]interface{}{
		"sweeps":              sch.sweeps,
		"last_sweep":          last,
		"last_examined":       sch.lastSeen,
		"interval":            sch.config.Interval.String(),
		"max_concurrent_runs": sch.config.GlobalMax,
	}
	if sch.counter != nil {
		stats["active_runs"] = sch.counter.CountActive()
		stats["total_runs"] = sch.counter.CountRuns()
	}
	return stats
}
