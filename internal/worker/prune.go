package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Pruner drops expired entries and reports how many it removed.
type Pruner interface {
	Prune() int
}

// PruneWorker periodically prunes in-memory rate limit state
type PruneWorker struct {
	pruner   Pruner
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewPruneWorker creates a new prune worker
func NewPruneWorker(pruner Pruner, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *PruneWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PruneWorker{
		pruner:   pruner,
		interval: interval,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins pruning in the background
func (w *PruneWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("prune worker started", "interval", w.interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background pruning and waits for the loop to exit
func (w *PruneWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Info("prune worker stopped")
	return nil
}

func (w *PruneWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			w.RunOnce()
		}
	}
}

// RunOnce prunes immediately and returns the number of removed entries
func (w *PruneWorker) RunOnce() int {
	removed := w.pruner.Prune()
	if removed > 0 {
		w.logger.Debug("pruned rate limit entries", "removed", removed)
	}
	return removed
}

// IsRunning returns whether the worker is currently running
func (w *PruneWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
