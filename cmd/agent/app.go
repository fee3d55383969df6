package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/framesmith/framesmith-agent/internal/analysis"
	"github.com/framesmith/framesmith-agent/internal/config"
	"github.com/framesmith/framesmith-agent/internal/db"
	"github.com/framesmith/framesmith-agent/internal/events"
	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/ffmpeg"
	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/processors/filters"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

// app holds the process-wide components shared by every subcommand.
type app struct {
	cfg    *config.EnvConfig
	logger *slog.Logger

	store    *state.Store
	proc     *process.Manager
	pools    *inference.Manager
	encoder  *ffmpeg.Encoder
	doctor   *analysis.CachedDoctor
	pipeline *workflow.Pipeline
	manager  *jobs.Manager
	runner   *jobs.Runner

	closers []func()
}

func newApp(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, proc: process.NewManager()}

	for _, dir := range []string{cfg.DataDir(), cfg.TempPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	profile := cfg.Profile()
	exec := cfg.Execution()
	a.store = state.NewStore()
	a.store.InitArgs(profile.Args())
	a.store.InitArgs(config.ExecutionArgs(exec))
	a.store.InitItem(state.KeyTempPath, cfg.TempPath())
	a.store.InitItem(state.KeyJobsPath, cfg.JobsPath())

	a.pools = inference.NewManager(inference.Config{
		DeviceID:           exec.DeviceID,
		Providers:          exec.Providers,
		ThreadCount:        exec.ThreadCount,
		SessionConcurrency: exec.SessionConcurrent,
		ModelsDir:          cfg.ModelsDir(),
		Logger:             logger,
	}, a.store, a.proc)

	a.encoder = ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.FFmpegPath(),
		FFprobePath: cfg.FFprobePath(),
		Logger:      logger,
	}, a.proc)
	if !a.encoder.Available() {
		logger.Warn("ffmpeg not found, video targets will fail", "ffmpeg", cfg.FFmpegPath())
	}

	helperCfg := analysis.DefaultConfig(cfg.DataDir(), logger)
	helperCfg.PythonPath = cfg.HelperPython()
	helperCfg.ModuleName = cfg.HelperModule()
	helperCfg.DebugPaths = cfg.DebugPaths()

	var helper analysis.Runner
	if hr, err := analysis.NewRunner(helperCfg); err != nil {
		logger.Warn("analysis helper unavailable, content checks and face detection disabled", "error", err)
	} else {
		helper = hr
		a.doctor = analysis.NewCachedDoctor(hr, logger)
		probeCtx, cancel := context.WithTimeout(ctx, helperCfg.DoctorTimeout)
		if caps, err := a.doctor.Refresh(probeCtx); err != nil {
			logger.Warn("initial doctor probe failed", "error", err)
		} else {
			logger.Info("analysis capabilities detected",
				"content_check", caps.HasContentCheck,
				"faces", caps.HasFaces,
				"deps", fmt.Sprintf("%d/%d", caps.Summary.Available, caps.Summary.Total),
			)
		}
		cancel()
	}

	var detector faces.Detector = faces.NopDetector{}
	if helper != nil {
		detector = analysis.Detector(ctx, helper, a.doctor, filepath.Join(helperCfg.WorkDir, "detect"), logger)
	}
	references := faces.NewReferences()

	deps := &processors.Deps{
		Store:      a.store,
		Pools:      a.pools,
		Engine:     frames.NewEngine(a.store, exec.ThreadCount, exec.QueueCount, logger),
		Detector:   detector,
		References: references,
		Logger:     logger,
	}
	registry := processors.NewRegistry()
	if err := filters.Register(registry, deps, profile.Processor); err != nil {
		return nil, fmt.Errorf("failed to register processors: %w", err)
	}

	a.pipeline = workflow.New(workflow.Config{
		Store:      a.store,
		Process:    a.proc,
		Registry:   registry,
		Encoder:    a.encoder,
		Content:    analysis.NewContentGate(helper, a.doctor, logger),
		Detector:   detector,
		References: references,
		TempPath:   cfg.TempPath(),
		Logger:     logger,
	})

	store, err := a.openJobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = jobs.NewManager(store, a.openPublisher(), logger)
	if !a.manager.Init(ctx) {
		a.Close()
		return nil, fmt.Errorf("failed to initialize jobs at %s", cfg.JobsPath())
	}
	a.runner = jobs.NewRunner(a.manager, a.encoder, filepath.Join(cfg.TempPath(), "jobs"), logger)

	return a, nil
}

// openJobStore picks the job store backend.
func (a *app) openJobStore(ctx context.Context) (jobs.Store, error) {
	if a.cfg.JobsBackend() != config.JobsBackendSQLite {
		return jobs.NewFileStore(a.cfg.JobsPath()), nil
	}
	database, err := db.Open(ctx, a.cfg.DBPath(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, func() { database.Close() })
	return db.NewJobStore(database), nil
}

// openPublisher fans job events out to the log and, when configured, NATS.
func (a *app) openPublisher() events.Publisher {
	pubs := events.Multi{events.NewLogPublisher(a.logger)}
	if url := a.cfg.NATSURL(); url != "" {
		nc, err := events.Connect(url, a.cfg.EventsSubject(), a.logger)
		if err != nil {
			a.logger.Warn("nats unavailable, job events stay local", "error", err)
		} else {
			pubs = append(pubs, nc)
			a.closers = append(a.closers, nc.Close)
		}
	}
	return pubs
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
