package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/framesmith/framesmith-agent/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

var errNoHelper = errors.New("analysis helper not configured")

// Capability is one helper feature a processor run can depend on.
type Capability int

const (
	ContentCheck Capability = iota
	FaceDetection
)

func (c Capability) String() string {
	switch c {
	case ContentCheck:
		return "content_check"
	case FaceDetection:
		return "face_detection"
	}
	return "unknown"
}

// CachedDoctor keeps the last helper capability report. A report is
// trusted until it ages out or a helper command fails, after which the
// next lookup runs the doctor again. A failed run falls back to the last report.
type CachedDoctor struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cached  *Capabilities
	expires time.Time
}

func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logging.WithComponent(logger, "doctor"),
	}
}

// Get returns the cached report while it is current and runs the doctor otherwise.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil && time.Now().Before(d.expires) {
		return d.cached, nil
	}
	return d.load(ctx)
}

// Peek returns the last report without probing. It may be stale or nil.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached
}

// Refresh runs the doctor regardless of the cached report.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx)
}

// Supports reports whether the helper currently offers c.
func (d *CachedDoctor) Supports(ctx context.Context, c Capability) bool {
	caps, err := d.Get(ctx)
	if err != nil || caps == nil {
		return false
	}
	switch c {
	case ContentCheck:
		return caps.HasContentCheck
	case FaceDetection:
		return caps.HasFaces
	}
	return false
}

// Distrust marks the report as expired after a helper command for c
// failed, so the next lookup asks the helper again.
func (d *CachedDoctor) Distrust(c Capability, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		return
	}
	d.expires = time.Time{}
	d.logger.Warn("helper command failed, capabilities will be refreshed", "capability", c, "error", cause)
}

func (d *CachedDoctor) load(ctx context.Context) (*Capabilities, error) {
	if d.runner == nil {
		return nil, errNoHelper
	}
	caps, err := d.runner.RunDoctor(ctx)
	if err != nil {
		if d.cached != nil {
			d.logger.Warn("doctor run failed, keeping last report", "error", err)
			return d.cached, nil
		}
		return nil, err
	}
	d.cached = caps
	d.expires = time.Now().Add(d.ttl)
	return caps, nil
}
