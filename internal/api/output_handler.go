package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/playback"
	"github.com/framesmith/framesmith-agent/internal/state"
)

// jobOutputHandler streams the final output of a completed job. The last
// step is served unless ?step=N picks another one.
func jobOutputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := requireJob(cfg, w, r)
		if !ok {
			return
		}
		if info.Status != jobs.StatusCompleted {
			WriteError(w, http.StatusConflict, "job is not completed", "NOT_COMPLETED")
			return
		}

		index := len(info.Steps) - 1
		if q := r.URL.Query().Get("step"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || !info.HasStep(n) {
				WriteError(w, http.StatusBadRequest, "step not found", "BAD_REQUEST")
				return
			}
			index = n
		}
		if index < 0 {
			WriteError(w, http.StatusNotFound, "job has no output", "NOT_FOUND")
			return
		}

		path := info.Steps[index].Args.String(state.KeyOutputPath)
		if path == "" {
			WriteError(w, http.StatusNotFound, "step has no output path", "NOT_FOUND")
			return
		}

		err := cfg.Playback.ServeFile(w, r, path)
		switch {
		case errors.Is(err, playback.ErrNotFound):
			WriteError(w, http.StatusNotFound, "output file not found", "NOT_FOUND")
		case err != nil:
			cfg.Logger.Error("serving output failed", "job_id", info.ID, "path", logging.SanitizePath(path), "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to read output", "INTERNAL_ERROR")
		}
	}
}
