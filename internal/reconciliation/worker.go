package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker periodically retries the pending dead-letter queue.
type Worker struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a retry worker. interval <= 0 falls back to 5 minutes.
func NewWorker(service *Service, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the periodic retry loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in reconciliation worker", "panic", fmt.Sprint(r))
		}
	}()

	resolved, err := w.service.RetryAll(ctx)
	if err != nil {
		w.logger.Warn("refund retry run failed", "error", err)
		return
	}
	if resolved > 0 {
		w.logger.Info("settled failed refunds", "count", resolved)
	}
}
