// Package events publishes job and step lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/framesmith/framesmith-agent/internal/logging"
)

type Kind string

const (
	JobCreated   Kind = "job.created"
	JobStatus    Kind = "job.status"
	JobDeleted   Kind = "job.deleted"
	StepStatus   Kind = "step.status"
	StepsChanged Kind = "job.steps"
)

// Event is one lifecycle change. StepIndex is -1 for job level events.
type Event struct {
	Kind       Kind   `json:"kind"`
	JobID      string `json:"job_id"`
	StepIndex  int    `json:"step_index"`
	Status     string `json:"status,omitempty"`
	StepTotal  int    `json:"step_total,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}

// NewJobEvent stamps a job level event.
func NewJobEvent(kind Kind, jobID, status string) Event {
	return Event{Kind: kind, JobID: jobID, StepIndex: -1, Status: status, HappenedAt: time.Now().UnixMilli()}
}

// NewStepEvent stamps a step level event.
func NewStepEvent(jobID string, index int, status string) Event {
	return Event{Kind: StepStatus, JobID: jobID, StepIndex: index, Status: status, HappenedAt: time.Now().UnixMilli()}
}

// Publisher delivers events. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogPublisher{logger: logging.WithComponent(logger, "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) {
	p.logger.Debug("lifecycle event",
		"kind", e.Kind,
		"job_id", e.JobID,
		"step_index", e.StepIndex,
		"status", e.Status,
	)
}

// NATSPublisher publishes events as JSON on <subject>.<kind>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("framesmith-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logging.WithComponent(logger, "events")}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encode event failed", "error", err)
		return
	}
	if err := p.nc.Publish(Subject(p.subject, e.Kind), b); err != nil {
		p.logger.Warn("publish event failed", "kind", e.Kind, "job_id", e.JobID, "error", err)
	}
}

// Subscribe delivers every event published under the base subject.
func (p *NATSPublisher) Subscribe(handler func(Event)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.subject+".>", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Warn("decode event failed", "subject", msg.Subject, "error", err)
			return
		}
		handler(e)
	})
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Subject returns the subject an event kind is published on.
func Subject(base string, kind Kind) string {
	return base + "." + string(kind)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}
