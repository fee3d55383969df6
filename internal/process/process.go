// Package process implements the process-wide run state used for
// cooperative cancellation of long-running work.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the application run state.
type State int32

const (
	Pending State = iota
	Checking
	Processing
	Stopping
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Checking:
		return "checking"
	case Processing:
		return "processing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned when a transition is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("invalid process state transition")

const exitPollInterval = 100 * time.Millisecond

// Manager holds exactly one State at a time. The zero value is Pending.
type Manager struct {
	state atomic.Int32
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Check moves pending to checking while pre-flight validation runs.
func (m *Manager) Check() error {
	return m.transition(Checking, Pending)
}

// Start moves pending to processing.
func (m *Manager) Start() error {
	return m.transition(Processing, Pending)
}

// Stop requests cancellation of in-flight work. Work observes it at its
// next yield point.
func (m *Manager) Stop() error {
	return m.transition(Stopping, Processing)
}

// End returns to pending from any active state.
func (m *Manager) End() error {
	return m.transition(Pending, Checking, Processing, Stopping)
}

func (m *Manager) IsPending() bool    { return m.State() == Pending }
func (m *Manager) IsChecking() bool   { return m.State() == Checking }
func (m *Manager) IsProcessing() bool { return m.State() == Processing }
func (m *Manager) IsStopping() bool   { return m.State() == Stopping }

// GracefulExit stops any running work and waits until the manager is no
// longer processing or stopping, or ctx is done.
func (m *Manager) GracefulExit(ctx context.Context) error {
	_ = m.Stop()

	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		s := m.State()
		if s != Processing && s != Stopping {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to drain: %w", s, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) transition(to State, from ...State) error {
	for _, f := range from {
		if m.state.CompareAndSwap(int32(f), int32(to)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.State(), to)
}
