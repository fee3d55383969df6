package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/framesmith/framesmith-agent/internal/events"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/state"
)

// Manager authors jobs and transitions their status. Public operations
// report success as a bool and log the cause of a failure.
//
// Step indices are positional. The mutex serializes read-modify-write
// cycles inside one process only.
type Manager struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

func NewManager(store Store, publisher events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logging.WithComponent(logger, "jobs"),
		now:       time.Now,
	}
}

func (m *Manager) Store() Store { return m.store }

func (m *Manager) Init(ctx context.Context) bool {
	if err := m.store.Init(ctx); err != nil {
		m.logger.Error("failed to init jobs", "error", err)
		return false
	}
	return true
}

func (m *Manager) CreateJob(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Create(ctx, id, NewJob(m.now())); err != nil {
		m.logger.Warn("failed to create job", "job_id", id, "error", err)
		return false
	}
	m.publisher.Publish(ctx, events.NewJobEvent(events.JobCreated, id, string(StatusDrafted)))
	return true
}

// SubmitJob queues a drafted job that has at least one step.
func (m *Manager) SubmitJob(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, st, err := m.store.Read(ctx, id)
	if err != nil {
		m.logger.Warn("failed to submit job", "job_id", id, "error", err)
		return false
	}
	if st != StatusDrafted || len(job.Steps) == 0 {
		m.logger.Warn("job cannot be submitted", "job_id", id, "status", st, "steps", len(job.Steps))
		return false
	}

	prev := make([]Status, len(job.Steps))
	prevUpdated := job.DateUpdated
	for i := range job.Steps {
		prev[i] = job.Steps[i].Status
		job.Steps[i].Status = StatusQueued
	}
	if err := m.update(ctx, id, job); err != nil {
		m.logger.Warn("failed to queue steps", "job_id", id, "error", err)
		return false
	}
	if !m.move(ctx, id, StatusDrafted, StatusQueued) {
		for i := range job.Steps {
			job.Steps[i].Status = prev[i]
		}
		job.DateUpdated = prevUpdated
		if err := m.store.Write(ctx, id, job); err != nil {
			m.logger.Error("failed to restore step statuses", "job_id", id, "error", err)
		}
		return false
	}
	for i := range job.Steps {
		m.publisher.Publish(ctx, events.NewStepEvent(id, i, string(StatusQueued)))
	}
	return true
}

// SubmitJobs submits every drafted job. It returns false when there was
// nothing to submit or any submission failed.
func (m *Manager) SubmitJobs(ctx context.Context, haltOnError bool) bool {
	return m.each(ctx, m.FindJobIDs(ctx, StatusDrafted), haltOnError, m.SubmitJob)
}

func (m *Manager) DeleteJob(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete job", "job_id", id, "error", err)
		return false
	}
	m.publisher.Publish(ctx, events.NewJobEvent(events.JobDeleted, id, ""))
	return true
}

// DeleteJobs deletes every job in every partition.
func (m *Manager) DeleteJobs(ctx context.Context, haltOnError bool) bool {
	var ids []string
	for _, st := range JobStatuses {
		ids = append(ids, m.FindJobIDs(ctx, st)...)
	}
	return m.each(ctx, ids, haltOnError, m.DeleteJob)
}

func (m *Manager) each(ctx context.Context, ids []string, haltOnError bool, fn func(context.Context, string) bool) bool {
	if len(ids) == 0 {
		return false
	}
	hasError := false
	for _, id := range ids {
		if !fn(ctx, id) {
			hasError = true
			if haltOnError {
				return false
			}
		}
	}
	return !hasError
}

// AddStep appends a drafted step to a drafted job.
func (m *Manager) AddStep(ctx context.Context, id string, args state.Args) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addStep(ctx, id, args)
}

func (m *Manager) addStep(ctx context.Context, id string, args state.Args) bool {
	return m.editDrafted(ctx, id, "add step", func(job *Job) error {
		job.Steps = append(job.Steps, Step{Args: args.Clone(), Status: StatusDrafted})
		return nil
	})
}

// RemixStep appends a step whose target is the scoped output of the step
// at index. A negative index refers to the last step.
func (m *Manager) RemixStep(ctx context.Context, id string, index int, args state.Args) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, _, err := m.store.Read(ctx, id)
	if err != nil {
		m.logger.Warn("failed to remix step", "job_id", id, "error", err)
		return false
	}
	index = normalizeIndex(index, len(job.Steps))
	if !job.HasStep(index) {
		m.logger.Warn("failed to remix step", "job_id", id, "step_index", index, "error", ErrStepNotFound)
		return false
	}
	outputPath := job.Steps[index].Args.String(state.KeyOutputPath)
	remixed := args.Clone()
	remixed[state.KeyTargetPath] = StepOutputPath(id, index, outputPath)
	return m.addStep(ctx, id, remixed)
}

// InsertStep places a drafted step at index, shifting later steps.
func (m *Manager) InsertStep(ctx context.Context, id string, index int, args state.Args) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.editDrafted(ctx, id, "insert step", func(job *Job) error {
		i := normalizeIndex(index, len(job.Steps))
		if !job.HasStep(i) {
			return fmt.Errorf("%w: %d", ErrStepNotFound, index)
		}
		step := Step{Args: args.Clone(), Status: StatusDrafted}
		job.Steps = append(job.Steps[:i], append([]Step{step}, job.Steps[i:]...)...)
		return nil
	})
}

// RemoveStep deletes the step at index, shifting later steps down.
func (m *Manager) RemoveStep(ctx context.Context, id string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.editDrafted(ctx, id, "remove step", func(job *Job) error {
		i := normalizeIndex(index, len(job.Steps))
		if !job.HasStep(i) {
			return fmt.Errorf("%w: %d", ErrStepNotFound, index)
		}
		job.Steps = append(job.Steps[:i], job.Steps[i+1:]...)
		return nil
	})
}

func (m *Manager) editDrafted(ctx context.Context, id, op string, edit func(*Job) error) bool {
	job, st, err := m.store.Read(ctx, id)
	if err == nil && st != StatusDrafted {
		err = fmt.Errorf("%w: %s is %s", ErrNotDrafted, id, st)
	}
	if err == nil {
		err = edit(job)
	}
	if err == nil {
		err = m.update(ctx, id, job)
	}
	if err != nil {
		m.logger.Warn("failed to "+op, "job_id", id, "error", err)
		return false
	}
	e := events.NewJobEvent(events.StepsChanged, id, string(st))
	e.StepTotal = len(job.Steps)
	m.publisher.Publish(ctx, e)
	return true
}

// update stamps date_updated and writes the job back.
func (m *Manager) update(ctx context.Context, id string, job *Job) error {
	now := m.now()
	job.DateUpdated = &now
	return m.store.Write(ctx, id, job)
}

// FindJobIDs lists a partition oldest first. Errors yield an empty list.
func (m *Manager) FindJobIDs(ctx context.Context, status Status) []string {
	ids, err := m.store.List(ctx, status)
	if err != nil {
		m.logger.Warn("failed to list jobs", "status", status, "error", err)
		return nil
	}
	return ids
}

// FindJobs reads every job in a partition.
func (m *Manager) FindJobs(ctx context.Context, status Status) []Info {
	var out []Info
	for _, id := range m.FindJobIDs(ctx, status) {
		job, st, err := m.store.Read(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Info{ID: id, Status: st, Job: job})
	}
	return out
}

func (m *Manager) ReadJob(ctx context.Context, id string) (Info, bool) {
	job, st, err := m.store.Read(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			m.logger.Warn("failed to read job", "job_id", id, "error", err)
		}
		return Info{}, false
	}
	return Info{ID: id, Status: st, Job: job}, true
}

func (m *Manager) GetSteps(ctx context.Context, id string) []Step {
	job, _, err := m.store.Read(ctx, id)
	if err != nil {
		return nil
	}
	return job.Steps
}

func (m *Manager) CountStepTotal(ctx context.Context, id string) int {
	return len(m.GetSteps(ctx, id))
}

// SetStepStatus updates one step in any partition.
func (m *Manager) SetStepStatus(ctx context.Context, id string, index int, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, _, err := m.store.Read(ctx, id)
	if err == nil && !job.HasStep(index) {
		err = fmt.Errorf("%w: %d", ErrStepNotFound, index)
	}
	if err == nil {
		job.Steps[index].Status = status
		err = m.update(ctx, id, job)
	}
	if err != nil {
		m.logger.Warn("failed to set step status", "job_id", id, "step_index", index, "status", status, "error", err)
		return false
	}
	m.publisher.Publish(ctx, events.NewStepEvent(id, index, string(status)))
	return true
}

// SetStepsStatus updates every step of a job.
func (m *Manager) SetStepsStatus(ctx context.Context, id string, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, _, err := m.store.Read(ctx, id)
	if err == nil {
		err = m.setStepsStatus(ctx, id, job, status)
	}
	if err != nil {
		m.logger.Warn("failed to set steps status", "job_id", id, "status", status, "error", err)
		return false
	}
	return true
}

func (m *Manager) setStepsStatus(ctx context.Context, id string, job *Job, status Status) error {
	for i := range job.Steps {
		job.Steps[i].Status = status
	}
	if err := m.update(ctx, id, job); err != nil {
		return err
	}
	for i := range job.Steps {
		m.publisher.Publish(ctx, events.NewStepEvent(id, i, string(status)))
	}
	return nil
}

// MoveJob transitions a job from one partition to another.
func (m *Manager) MoveJob(ctx context.Context, id string, from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(ctx, id, from, to)
}

func (m *Manager) move(ctx context.Context, id string, from, to Status) bool {
	if err := m.store.Move(ctx, id, from, to); err != nil {
		m.logger.Warn("failed to move job", "job_id", id, "from", from, "to", to, "error", err)
		return false
	}
	m.logger.Info("job moved", "job_id", id, "from", from, "to", to)
	m.publisher.Publish(ctx, events.NewJobEvent(events.JobStatus, id, string(to)))
	return true
}

// MarkInterrupted fails queued jobs left with a started step by a
// previous process. It returns how many jobs were moved.
func (m *Manager) MarkInterrupted(ctx context.Context) int {
	moved := 0
	for _, id := range m.FindJobIDs(ctx, StatusQueued) {
		m.mu.Lock()
		job, _, err := m.store.Read(ctx, id)
		interrupted := false
		if err == nil {
			for i, step := range job.Steps {
				if step.Status == StatusStarted {
					job.Steps[i].Status = StatusFailed
					interrupted = true
				}
			}
		}
		if interrupted {
			if err := m.update(ctx, id, job); err != nil {
				m.logger.Warn("failed to mark interrupted job", "job_id", id, "error", err)
			} else if m.move(ctx, id, StatusQueued, StatusFailed) {
				moved++
			}
		}
		m.mu.Unlock()
	}
	if moved > 0 {
		m.logger.Info("marked interrupted jobs", "count", moved)
	}
	return moved
}

// Counts returns how many jobs each partition holds.
func (m *Manager) Counts(ctx context.Context) map[Status]int {
	out := make(map[Status]int, len(JobStatuses))
	for _, st := range JobStatuses {
		out[st] = len(m.FindJobIDs(ctx, st))
	}
	return out
}
