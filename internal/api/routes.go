package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/playback"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Background == nil {
		cfg.Background = func(fn func()) { go fn() }
	}
	if cfg.Playback == nil {
		cfg.Playback = playback.NewServer(cfg.Logger)
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	// one synchronous processing request at a time per server
	var processMu sync.Mutex

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Token, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.With(LoopbackGuard()).Post("/process", processHandler(cfg, &processMu))
		r.Post("/stop", stopHandler(cfg))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", listJobsHandler(cfg))
			r.Post("/", createJobHandler(cfg))
			r.Post("/run", runQueueHandler(cfg))
			r.Get("/{id}", getJobHandler(cfg))
			r.Delete("/{id}", deleteJobHandler(cfg))
			r.Get("/{id}/output", jobOutputHandler(cfg))
			r.Head("/{id}/output", jobOutputHandler(cfg))
			r.Post("/{id}/steps", addStepHandler(cfg))
			r.Post("/{id}/steps/{index}/remix", remixStepHandler(cfg))
			r.Put("/{id}/steps/{index}", insertStepHandler(cfg))
			r.Delete("/{id}/steps/{index}", removeStepHandler(cfg))
			r.Post("/{id}/submit", submitJobHandler(cfg))
			r.Post("/{id}/run", runJobHandler(cfg))
			r.Post("/{id}/retry", retryJobHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{
			State: cfg.Process.State().String(),
			Queue: map[string]int{},
		}
		for st, n := range cfg.Manager.Counts(ctx) {
			resp.Queue[string(st)] = n
		}
		for _, st := range jobs.JobStatuses {
			if _, ok := resp.Queue[string(st)]; !ok {
				resp.Queue[string(st)] = 0
			}
		}
		if cfg.Pipeline != nil {
			resp.Pipeline = cfg.Pipeline.Status()
		}
		if cfg.Worker != nil {
			resp.Worker = &WorkerResponse{Paused: cfg.Worker.IsPaused(), Running: cfg.Worker.IsRunning()}
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Capabilities = &CapabilitiesResponse{
					HasContentCheck: caps.HasContentCheck,
					HasFaces:        caps.HasFaces,
					HasEncoder:      caps.HasEncoder,
					LastProbeAt:     caps.ProbedAt.Format(time.RFC3339),
					DepsAvail:       caps.Summary.Available,
					DepsTotal:       caps.Summary.Total,
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// stopHandler requests cooperative cancellation of the running invocation.
func stopHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Process.Stop(); err != nil {
			WriteError(w, http.StatusConflict, "nothing is processing", "NOT_PROCESSING")
			return
		}
		cfg.Logger.Info("stop requested")
		WriteJSON(w, http.StatusAccepted, AcceptedResponse{Status: cfg.Process.State().String()})
	}
}
