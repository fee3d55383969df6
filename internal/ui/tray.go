package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

const refreshInterval = time.Second

type Tray struct {
	process  *process.Manager
	pipeline *workflow.Pipeline
	manager  *jobs.Manager
	runner   *jobs.Runner
	worker   *jobs.Worker
	logger   *slog.Logger

	statusItem *systray.MenuItem
	queueItem  *systray.MenuItem
	stopItem   *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Process  *process.Manager
	Pipeline *workflow.Pipeline
	Manager  *jobs.Manager
	Runner   *jobs.Runner
	Worker   *jobs.Worker
	Logger   *slog.Logger
	OnQuit   func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		process:  cfg.Process,
		pipeline: cfg.Pipeline,
		manager:  cfg.Manager,
		runner:   cfg.Runner,
		worker:   cfg.Worker,
		logger:   cfg.Logger,
		onQuit:   cfg.OnQuit,
	}
}

// Run blocks on the platform event loop.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconPNG())
	systray.SetTitle("Framesmith")
	systray.SetTooltip("Framesmith Agent")

	t.statusItem = systray.AddMenuItem("Status: pending", "Current processing state")
	t.statusItem.Disable()

	t.queueItem = systray.AddMenuItem(queueLine(nil), "Jobs per status")
	t.queueItem.Disable()

	systray.AddSeparator()

	t.stopItem = systray.AddMenuItem("Stop Processing", "Stop the running invocation")
	t.pauseItem = systray.AddMenuItem("Pause Queue", "Pause running queued jobs")
	runItem := systray.AddMenuItem("Run Queue Now", "Run queued jobs now")
	retryItem := systray.AddMenuItem("Retry Failed Jobs", "Requeue and run failed jobs")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Framesmith Agent")

	ctx, cancel := context.WithCancel(context.Background())
	go t.refreshLoop(ctx)

	go func() {
		for {
			select {
			case <-t.stopItem.ClickedCh:
				t.stopProcessing()
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-runItem.ClickedCh:
				if t.worker != nil {
					t.worker.Wake()
				}
			case <-retryItem.ClickedCh:
				go t.retryFailed()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				cancel()
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tray) refresh(ctx context.Context) {
	stage := ""
	if t.pipeline != nil {
		stage = t.pipeline.Status().Stage
	}
	paused := t.worker != nil && t.worker.IsPaused()
	line := statusLine(t.process.State(), stage, paused)
	counts := t.manager.Counts(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusItem.SetTitle(line)
	t.queueItem.SetTitle(queueLine(counts))
	if t.process.IsProcessing() {
		t.stopItem.Enable()
	} else {
		t.stopItem.Disable()
	}
}

func (t *Tray) stopProcessing() {
	if err := t.process.Stop(); err != nil {
		t.logger.Warn("stop ignored", "state", t.process.State(), "error", err)
		return
	}
	t.logger.Info("stop requested from tray")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.worker == nil {
		return
	}

	if t.worker.IsPaused() {
		t.worker.Resume()
		t.pauseItem.SetTitle("Pause Queue")
	} else {
		t.worker.Pause()
		t.pauseItem.SetTitle("Resume Queue")
	}
}

func (t *Tray) retryFailed() {
	if t.runner == nil || t.pipeline == nil {
		return
	}
	if !t.runner.RetryJobs(context.Background(), t.pipeline.ProcessStep, false) {
		t.logger.Warn("retrying failed jobs did not fully succeed")
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

// statusLine renders the process state, the pipeline stage while
// processing, and the queue pause.
func statusLine(state process.State, stage string, paused bool) string {
	line := "Status: " + state.String()
	if state == process.Processing && stage != "" && stage != "idle" {
		line += " (" + stage + ")"
	}
	if paused {
		line += ", queue paused"
	}
	return line
}

func queueLine(counts map[jobs.Status]int) string {
	return fmt.Sprintf("Queued: %d  Failed: %d  Done: %d",
		counts[jobs.StatusQueued], counts[jobs.StatusFailed], counts[jobs.StatusCompleted])
}
