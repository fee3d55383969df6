package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/vision"
)

// ProcessStep runs one step's arguments through the media pipeline and
// reports success. The step output is expected at args[output_path].
type ProcessStep func(ctx context.Context, jobID string, index int, args state.Args) bool

// Concatenator joins video segments in order into output.
type Concatenator interface {
	Concat(ctx context.Context, output string, inputs []string, workDir string) error
}

type Runner struct {
	manager *Manager
	concat  Concatenator
	workDir string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewRunner returns a runner that concatenates multi-step video outputs
// with concat, staging its list files under workDir.
func NewRunner(manager *Manager, concat Concatenator, workDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		manager: manager,
		concat:  concat,
		workDir: workDir,
		logger:  logging.WithComponent(logger, "job_runner"),
		active:  map[string]bool{},
	}
}

// claim marks id as running in this process. A job is run by at most one
// caller at a time.
func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[id] {
		return false
	}
	r.active[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// IsActive reports whether id is being run.
func (r *Runner) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// RunJob runs a queued job to completion. The job always leaves the
// queued partition once an attempt was made. The queued check happens
// after the claim so a caller that lost the race sees the finished job.
func (r *Runner) RunJob(ctx context.Context, id string, process ProcessStep) bool {
	if !r.claim(id) {
		r.logger.Warn("job is already running", "job_id", id)
		return false
	}
	defer r.release(id)
	if !slices.Contains(r.manager.FindJobIDs(ctx, StatusQueued), id) {
		r.logger.Warn("job is not queued", "job_id", id)
		return false
	}

	log := logging.WithJobID(r.logger, id)
	log.Info("running job")

	if r.runSteps(ctx, id, process) && r.finalizeSteps(ctx, id) {
		r.cleanSteps(ctx, id)
		if r.manager.MoveJob(ctx, id, StatusQueued, StatusCompleted) {
			log.Info("job completed")
			return true
		}
		return false
	}
	r.cleanSteps(ctx, id)
	r.manager.MoveJob(ctx, id, StatusQueued, StatusFailed)
	log.Warn("job failed")
	return false
}

// RunJobs runs every queued job oldest first. It returns false when the
// queue was empty or any job failed.
func (r *Runner) RunJobs(ctx context.Context, process ProcessStep, haltOnError bool) bool {
	return r.manager.each(ctx, r.manager.FindJobIDs(ctx, StatusQueued), haltOnError, func(ctx context.Context, id string) bool {
		return r.RunJob(ctx, id, process)
	})
}

// RetryJob requeues a failed job and runs it.
func (r *Runner) RetryJob(ctx context.Context, id string, process ProcessStep) bool {
	if !slices.Contains(r.manager.FindJobIDs(ctx, StatusFailed), id) {
		r.logger.Warn("job is not failed", "job_id", id)
		return false
	}
	return r.manager.SetStepsStatus(ctx, id, StatusQueued) &&
		r.manager.MoveJob(ctx, id, StatusFailed, StatusQueued) &&
		r.RunJob(ctx, id, process)
}

func (r *Runner) RetryJobs(ctx context.Context, process ProcessStep, haltOnError bool) bool {
	return r.manager.each(ctx, r.manager.FindJobIDs(ctx, StatusFailed), haltOnError, func(ctx context.Context, id string) bool {
		return r.RetryJob(ctx, id, process)
	})
}

func (r *Runner) runSteps(ctx context.Context, id string, process ProcessStep) bool {
	steps := r.manager.GetSteps(ctx, id)
	for i, step := range steps {
		r.logger.Info("processing step", "job_id", id, "step", i+1, "total", len(steps))
		if !r.runStep(ctx, id, i, step, process) {
			return false
		}
	}
	return true
}

func (r *Runner) runStep(ctx context.Context, id string, index int, step Step, process ProcessStep) bool {
	log := logging.WithStep(r.logger, id, index)
	if r.manager.SetStepStatus(ctx, id, index, StatusStarted) && process(ctx, id, index, step.Args) {
		outputPath := step.Args.String(state.KeyOutputPath)
		stepOutput := StepOutputPath(id, index, outputPath)
		if err := vision.MoveFile(outputPath, stepOutput); err != nil {
			log.Warn("failed to stage step output", "error", err)
		} else if r.manager.SetStepStatus(ctx, id, index, StatusCompleted) {
			return true
		}
	}
	r.manager.SetStepStatus(ctx, id, index, StatusFailed)
	log.Warn("step failed")
	return false
}

type outputGroup struct {
	outputPath  string
	stepOutputs []string
}

// collectOutputSet groups step outputs by their nominal output path, in
// order of first appearance.
func (r *Runner) collectOutputSet(ctx context.Context, id string) []outputGroup {
	var groups []outputGroup
	at := map[string]int{}
	for i, step := range r.manager.GetSteps(ctx, id) {
		outputPath := step.Args.String(state.KeyOutputPath)
		if outputPath == "" {
			continue
		}
		g, ok := at[outputPath]
		if !ok {
			g = len(groups)
			at[outputPath] = g
			groups = append(groups, outputGroup{outputPath: outputPath})
		}
		groups[g].stepOutputs = append(groups[g].stepOutputs, StepOutputPath(id, i, outputPath))
	}
	return groups
}

// finalizeSteps concatenates all-video groups and moves image outputs in
// step order, so the last image step wins.
func (r *Runner) finalizeSteps(ctx context.Context, id string) bool {
	for _, g := range r.collectOutputSet(ctx, id) {
		allVideo := true
		anyImage := false
		for _, p := range g.stepOutputs {
			if !vision.IsVideo(p) {
				allVideo = false
			}
			if vision.IsImage(p) {
				anyImage = true
			}
		}

		if allVideo {
			if r.concat == nil {
				r.logger.Error("no concatenator configured", "job_id", id)
				return false
			}
			workDir := filepath.Join(r.workDir, id)
			if err := os.MkdirAll(workDir, 0755); err != nil {
				r.logger.Error("failed to create concat workspace", "job_id", id, "error", err)
				return false
			}
			err := r.concat.Concat(ctx, g.outputPath, g.stepOutputs, workDir)
			os.RemoveAll(workDir)
			if err != nil {
				r.logger.Error("failed to concat step outputs", "job_id", id, "output", logging.SanitizePath(g.outputPath), "error", err)
				return false
			}
		}
		if anyImage {
			for _, p := range g.stepOutputs {
				if err := vision.MoveFile(p, g.outputPath); err != nil {
					r.logger.Error("failed to finalize step output", "job_id", id, "error", err)
					return false
				}
			}
		}
	}
	return true
}

// cleanSteps removes leftover step outputs. It is best effort.
func (r *Runner) cleanSteps(ctx context.Context, id string) bool {
	ok := true
	for _, g := range r.collectOutputSet(ctx, id) {
		for _, p := range g.stepOutputs {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("failed to remove step output", "job_id", id, "error", err)
				ok = false
			}
		}
	}
	return ok
}
