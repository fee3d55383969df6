// Package jobs persists multi-step processing jobs and runs them.
//
// A job lives in exactly one status partition at a time. Moving a job
// between partitions is the only way its job level status changes.
package jobs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/framesmith/framesmith-agent/internal/state"
)

const Version = "1"

type Status string

const (
	StatusDrafted   Status = "drafted"
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// JobStatuses are the partitions a job file can live in. Started is a
// step status only.
var JobStatuses = []Status{StatusDrafted, StatusQueued, StatusFailed, StatusCompleted}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDrafted, StatusQueued, StatusStarted, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsJobStatus reports whether s names a job partition.
func (s Status) IsJobStatus() bool {
	for _, st := range JobStatuses {
		if st == s {
			return true
		}
	}
	return false
}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobExists    = errors.New("job already exists")
	ErrInvalidJobID = errors.New("invalid job id")
	ErrNotDrafted   = errors.New("job is not drafted")
	ErrStepNotFound = errors.New("step not found")
	ErrStatusMoved  = errors.New("job is no longer in the expected status")
)

type Job struct {
	Version     string     `json:"version"`
	DateCreated time.Time  `json:"date_created"`
	DateUpdated *time.Time `json:"date_updated"`
	Steps       []Step     `json:"steps"`
}

type Step struct {
	Args   state.Args `json:"args"`
	Status Status     `json:"status"`
}

// NewJob returns an empty job stamped with now.
func NewJob(now time.Time) *Job {
	return &Job{Version: Version, DateCreated: now, Steps: []Step{}}
}

func (j *Job) HasStep(index int) bool {
	return index >= 0 && index < len(j.Steps)
}

// Info is a job together with the partition it was found in.
type Info struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	*Job
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// ValidateJobID rejects ids that cannot be used as a file name.
func ValidateJobID(id string) error {
	if id == "" || len(id) > 128 || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	for _, r := range id {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
		}
	}
	return nil
}

// StepOutputPath scopes outputPath to one step of a job:
// <dir>/<name>-<job_id>-<index><ext>. Empty outputPath yields "".
func StepOutputPath(jobID string, index int, outputPath string) string {
	if outputPath == "" {
		return ""
	}
	dir, base := filepath.Split(outputPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, name+"-"+jobID+"-"+strconv.Itoa(index)+ext)
}

// normalizeIndex maps a negative index to the last step.
func normalizeIndex(index, count int) int {
	if index < 0 {
		return count - 1
	}
	return index
}
