package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/pharmarag/internal/retrieval"
)

const (
	DefaultInterval        = 5 * time.Minute
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Cleaner removes expired records from a collection.
type Cleaner interface {
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error)
}

// Cleanup deletes telemetry records created before now minus retention.
// Documentation and template collections are never expired.
func Cleanup(ctx context.Context, cleaner Cleaner, retention time.Duration, now time.Time) (map[string]int, error) {
	cutoff := now.Add(-retention)
	removed := make(map[string]int, len(retrieval.TelemetryCollections))
	for _, col := range retrieval.TelemetryCollections {
		n, err := cleaner.DeleteOlderThan(ctx, col, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleaning %s: %w", col, err)
		}
		removed[col] = n
	}
	return removed, nil
}

// WorkerOptions configures a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Sources         []Source
	Interval        time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// CycleResult summarizes one RunOnce call.
type CycleResult struct {
	Collected []Observation
	Errors    map[Source]error
	// Removed is nil when no cleanup pass was due.
	Removed map[string]int
}

// Worker runs collection cycles in the background. Report generation never
// waits for it; readers see whatever the store holds.
type Worker struct {
	collector       *Collector
	cleaner         Cleaner
	sources         []Source
	interval        time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewWorker creates a Worker driving c and expiring records through cleaner.
func NewWorker(c *Collector, cleaner Cleaner, opts WorkerOptions) *Worker {
	w := &Worker{
		collector:       c,
		cleaner:         cleaner,
		sources:         opts.Sources,
		interval:        opts.Interval,
		retention:       opts.Retention,
		cleanupInterval: opts.CleanupInterval,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if len(w.sources) == 0 {
		w.sources = append([]Source(nil), AllSources...)
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.retention <= 0 {
		w.retention = DefaultRetention
	}
	if w.cleanupInterval <= 0 {
		w.cleanupInterval = DefaultCleanupInterval
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Start launches Run in a goroutine. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		w.Run(ctx)
	}(w.done)
}

// Stop cancels a started worker and waits for the current cycle to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run performs a cycle immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce collects every configured source and runs a cleanup pass when one
// is due.
func (w *Worker) RunOnce(ctx context.Context) CycleResult {
	collected, errs := w.collector.CollectAll(ctx, w.sources)
	for src, err := range errs {
		w.logger.Warn("collector: source failed", "source", src, "error", err)
	}
	res := CycleResult{Collected: collected, Errors: errs}

	now := w.now()
	w.mu.Lock()
	due := w.lastCleanup.IsZero() || now.Sub(w.lastCleanup) >= w.cleanupInterval
	if due {
		w.lastCleanup = now
	}
	w.mu.Unlock()

	if due {
		removed, err := Cleanup(ctx, w.cleaner, w.retention, now)
		if err != nil {
			w.logger.Error("collector: cleanup failed", "error", err)
		}
		res.Removed = removed
	}

	w.logger.Debug("collector: cycle complete",
		"collected", len(collected),
		"failed", len(errs),
		"cleanup", due,
	)
	return res
}
