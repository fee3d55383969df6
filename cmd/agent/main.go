package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/framesmith/framesmith-agent/internal/api"
	"github.com/framesmith/framesmith-agent/internal/config"
	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/ui"
)

var Version = "0.1.0"

const usage = `usage: agent [command]

commands:
  serve                          run the agent with HTTP API and job worker (default)
  process -target T -output O    process one target in the batch context
  run-jobs [-halt]               run every queued job
  retry-jobs [-halt]             requeue and run every failed job
  job <create|add-step|remix-step|insert-step|remove-step|submit|delete|list> ...
`

func main() {
	_ = godotenv.Load()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	code, err := dispatch(cmd, args)
	if err != nil {
		log.Fatalf("fatal error: %v", err)
	}
	os.Exit(code)
}

func dispatch(cmd string, args []string) (int, error) {
	switch cmd {
	case "serve":
		return 0, serve()
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0, nil
	}

	cfg, err := config.New()
	if err != nil {
		return 1, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel())
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer a.Close()

	switch cmd {
	case "process":
		return processCommand(ctx, a, args)
	case "run-jobs":
		return runJobsCommand(ctx, a, args, false)
	case "retry-jobs":
		return runJobsCommand(ctx, a, args, true)
	case "job":
		return jobCommand(ctx, a, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2, nil
	}
}

func serve() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting framesmith agent", "version", Version, "data_dir", cfg.DataDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if n := a.manager.MarkInterrupted(ctx); n > 0 {
		logger.Warn("marked interrupted jobs as failed", "count", n)
	}

	authToken := cfg.APIToken()
	if authToken == "" {
		if authToken, err = generateToken(); err != nil {
			return fmt.Errorf("failed to generate auth token: %w", err)
		}
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  FRAMESMITH AGENT v%-22s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", logging.SanitizeToken(authToken))
	fmt.Printf("║  Jobs:       %-45s ║\n", cfg.JobsBackend())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.APIToken() == "" {
		fmt.Printf("Full auth token: %s\n\n", authToken)
	}

	worker := jobs.NewWorker(a.runner, a.pipeline.ProcessStep, logger)
	if !cfg.RunQueueOnBoot() {
		worker.Pause()
	}
	go worker.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Token:     authToken,
		TempPath:  cfg.TempPath(),
		Version:   Version,
		Store:     a.store,
		Process:   a.proc,
		Pipeline:  a.pipeline,
		Manager:   a.manager,
		Runner:    a.runner,
		Worker:    worker,
		Doctor:    a.doctor,
		Logger:    logger,
		StartTime: startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Process:  a.proc,
			Pipeline: a.pipeline,
			Manager:  a.manager,
			Runner:   a.runner,
			Worker:   worker,
			Logger:   logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := a.proc.GracefulExit(shutdownCtx); err != nil {
		logger.Warn("processing did not finish before shutdown", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func generateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenBytes), nil
}
