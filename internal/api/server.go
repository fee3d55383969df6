package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/framesmith/framesmith-agent/internal/analysis"
	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/playback"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port     int
	Token    string
	TempPath string
	Version  string

	Store    *state.Store
	Process  *process.Manager
	Pipeline *workflow.Pipeline
	Manager  *jobs.Manager
	Runner   *jobs.Runner
	Worker   *jobs.Worker
	Doctor   *analysis.CachedDoctor
	Playback *playback.Server

	// Background runs detached work such as a requested job run. Defaults
	// to a plain goroutine.
	Background func(func())

	Logger    *slog.Logger
	StartTime time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
