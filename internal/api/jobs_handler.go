package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/state"
)

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := jobs.JobStatuses
		if q := r.URL.Query().Get("status"); q != "" {
			st, err := jobs.ParseStatus(q)
			if err != nil || !st.IsJobStatus() {
				WriteError(w, http.StatusBadRequest, "unknown job status", "BAD_REQUEST")
				return
			}
			statuses = []jobs.Status{st}
		}

		resp := JobsResponse{Jobs: []JobResponse{}}
		for _, st := range statuses {
			for _, info := range cfg.Manager.FindJobs(r.Context(), st) {
				resp.Jobs = append(resp.Jobs, JobToResponse(info))
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.ID == "" {
			req.ID = jobs.NewJobID()
		}
		if err := jobs.ValidateJobID(req.ID); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		if !cfg.Manager.CreateJob(r.Context(), req.ID) {
			WriteError(w, http.StatusConflict, "job already exists", "CONFLICT")
			return
		}
		WriteJSON(w, http.StatusCreated, CreateJobResponse{JobID: req.ID})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(info))
	}
}

func deleteJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		if cfg.Runner != nil && cfg.Runner.IsActive(info.ID) {
			WriteError(w, http.StatusConflict, "job is running", "CONFLICT")
			return
		}
		if !cfg.Manager.DeleteJob(r.Context(), info.ID) {
			WriteError(w, http.StatusInternalServerError, "failed to delete job", "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addStepHandler(cfg ServerConfig) http.HandlerFunc {
	return stepEdit(cfg, false, func(ctx context.Context, id string, _ int, args state.Args) bool {
		return cfg.Manager.AddStep(ctx, id, args)
	})
}

func remixStepHandler(cfg ServerConfig) http.HandlerFunc {
	return stepEdit(cfg, true, cfg.Manager.RemixStep)
}

func insertStepHandler(cfg ServerConfig) http.HandlerFunc {
	return stepEdit(cfg, true, cfg.Manager.InsertStep)
}

func removeStepHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		index, ok := stepIndex(w, r)
		if !ok {
			return
		}
		if !cfg.Manager.RemoveStep(r.Context(), info.ID, index) {
			writeEditConflict(w, info)
			return
		}
		writeJob(cfg, w, r, info.ID, http.StatusOK)
	}
}

// stepEdit decodes step arguments, layers them over the batch step
// arguments and applies edit.
func stepEdit(cfg ServerConfig, indexed bool, edit func(ctx context.Context, id string, index int, args state.Args) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		index := 0
		if indexed {
			if index, ok = stepIndex(w, r); !ok {
				return
			}
		}
		var req StepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		args := cfg.Store.StepDefaults().Merge(stepOnly(req.Args, cfg.Store.StepKeys()))
		if !edit(r.Context(), info.ID, index, args) {
			writeEditConflict(w, info)
			return
		}
		writeJob(cfg, w, r, info.ID, http.StatusCreated)
	}
}

func submitJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		if !cfg.Manager.SubmitJob(r.Context(), info.ID) {
			WriteError(w, http.StatusConflict, "job must be drafted with at least one step", "CONFLICT")
			return
		}
		if cfg.Worker != nil {
			cfg.Worker.Wake()
		}
		writeJob(cfg, w, r, info.ID, http.StatusOK)
	}
}

func runJobHandler(cfg ServerConfig) http.HandlerFunc {
	return runIn(cfg, jobs.StatusQueued, func(ctx context.Context, id string) bool {
		return cfg.Runner.RunJob(ctx, id, cfg.Pipeline.ProcessStep)
	})
}

func retryJobHandler(cfg ServerConfig) http.HandlerFunc {
	return runIn(cfg, jobs.StatusFailed, func(ctx context.Context, id string) bool {
		return cfg.Runner.RetryJob(ctx, id, cfg.Pipeline.ProcessStep)
	})
}

// runIn starts run for a job in the required partition and answers
// before the job finishes.
func runIn(cfg ServerConfig, required jobs.Status, run func(ctx context.Context, id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		if info.Status != required {
			WriteError(w, http.StatusConflict, "job is "+string(info.Status)+", want "+string(required), "CONFLICT")
			return
		}
		if cfg.Runner.IsActive(info.ID) {
			WriteError(w, http.StatusConflict, "job is running", "CONFLICT")
			return
		}
		id := info.ID
		cfg.Background(func() {
			run(context.Background(), id)
		})
		WriteJSON(w, http.StatusAccepted, AcceptedResponse{JobID: id, Status: "accepted"})
	}
}

// runQueueHandler wakes the worker, or drains the queue once without one.
func runQueueHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Worker != nil {
			if cfg.Worker.IsPaused() {
				cfg.Worker.Resume()
			} else {
				cfg.Worker.Wake()
			}
		} else {
			cfg.Background(func() {
				cfg.Runner.RunJobs(context.Background(), cfg.Pipeline.ProcessStep, false)
			})
		}
		WriteJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted"})
	}
}

func requireJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (jobs.Info, bool) {
	id := chi.URLParam(r, "id")
	if err := jobs.ValidateJobID(id); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return jobs.Info{}, false
	}
	info, ok := cfg.Manager.ReadJob(r.Context(), id)
	if !ok {
		WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return jobs.Info{}, false
	}
	return info, true
}

func stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "step index must be an integer", "BAD_REQUEST")
		return 0, false
	}
	return index, true
}

func writeEditConflict(w http.ResponseWriter, info jobs.Info) {
	if info.Status != jobs.StatusDrafted {
		WriteError(w, http.StatusConflict, "job is not drafted", "CONFLICT")
		return
	}
	WriteError(w, http.StatusBadRequest, "step not found", "BAD_REQUEST")
}

func writeJob(cfg ServerConfig, w http.ResponseWriter, r *http.Request, id string, status int) {
	info, ok := cfg.Manager.ReadJob(r.Context(), id)
	if !ok {
		WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}
	WriteJSON(w, status, JobToResponse(info))
}

func stepOnly(args state.Args, stepKeys []string) state.Args {
	out := state.Args{}
	for _, k := range stepKeys {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}
	return out
}
