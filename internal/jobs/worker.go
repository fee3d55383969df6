package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/framesmith/framesmith-agent/internal/logging"
)

// Worker polls the queued partition and runs the oldest job each tick.
type Worker struct {
	runner       *Runner
	process      ProcessStep
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	wake         chan struct{}
}

func NewWorker(runner *Runner, process ProcessStep, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		runner:       runner,
		process:      process,
		logger:       logging.WithComponent(logger, "job_worker"),
		pollInterval: 5 * time.Second,
		wake:         make(chan struct{}, 1),
	}
}

// Start blocks until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if w.running.Swap(true) {
		return
	}
	defer w.running.Store(false)

	w.logger.Info("job worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("job worker stopping")
			return
		case <-ticker.C:
		case <-w.wake:
		}
		if !w.paused.Load() {
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	attempted := map[string]bool{}
	for ctx.Err() == nil && !w.paused.Load() {
		ids := w.runner.manager.FindJobIDs(ctx, StatusQueued)
		if len(ids) == 0 || attempted[ids[0]] {
			return
		}
		attempted[ids[0]] = true
		w.runner.RunJob(ctx, ids[0], w.process)
	}
}

// Wake triggers a poll without waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) Pause() {
	w.paused.Store(true)
	w.logger.Info("job worker paused")
}

func (w *Worker) Resume() {
	w.paused.Store(false)
	w.logger.Info("job worker resumed")
	w.Wake()
}

func (w *Worker) IsPaused() bool  { return w.paused.Load() }
func (w *Worker) IsRunning() bool { return w.running.Load() }
