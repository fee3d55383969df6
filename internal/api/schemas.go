package api

import (
	"time"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State        string                `json:"state"`
	Queue        map[string]int        `json:"queue"`
	Worker       *WorkerResponse       `json:"worker,omitempty"`
	Pipeline     workflow.Status       `json:"pipeline"`
	Capabilities *CapabilitiesResponse `json:"capabilities,omitempty"`
}

type WorkerResponse struct {
	Paused  bool `json:"paused"`
	Running bool `json:"running"`
}

type CapabilitiesResponse struct {
	HasContentCheck bool   `json:"has_content_check"`
	HasFaces        bool   `json:"has_faces"`
	HasEncoder      bool   `json:"has_encoder"`
	LastProbeAt     string `json:"last_probe_at,omitempty"`
	DepsAvail       int    `json:"deps_available"`
	DepsTotal       int    `json:"deps_total"`
}

type CreateJobRequest struct {
	ID string `json:"id,omitempty"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// StepRequest carries step arguments. They are layered over the current
// batch step arguments before the step is frozen.
type StepRequest struct {
	Args state.Args `json:"args"`
}

type StepResponse struct {
	Args   state.Args `json:"args"`
	Status string     `json:"status"`
}

type JobResponse struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	DateCreated string         `json:"date_created"`
	DateUpdated string         `json:"date_updated,omitempty"`
	StepTotal   int            `json:"step_total"`
	Steps       []StepResponse `json:"steps"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type AcceptedResponse struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(info jobs.Info) JobResponse {
	resp := JobResponse{
		ID:          info.ID,
		Status:      string(info.Status),
		Version:     info.Version,
		DateCreated: info.DateCreated.Format(time.RFC3339),
		StepTotal:   len(info.Steps),
		Steps:       make([]StepResponse, len(info.Steps)),
	}
	if info.DateUpdated != nil {
		resp.DateUpdated = info.DateUpdated.Format(time.RFC3339)
	}
	for i, s := range info.Steps {
		resp.Steps[i] = StepResponse{Args: s.Args, Status: string(s.Status)}
	}
	return resp
}
