package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"
)

// BuiltinScheme prefixes model sources served by an in-process kernel
// instead of a model file on disk.
const BuiltinScheme = "builtin:"

var (
	// ErrSessionLoad wraps any failure to construct an inference session.
	ErrSessionLoad = errors.New("inference session load failed")
	// ErrNoLoader is returned when no loader handles a model source.
	ErrNoLoader = errors.New("no loader for model source")
)

// Session is a loaded model. Run may be called from several workers at once;
// admission control in front of it bounds how many calls are in flight.
type Session interface {
	Run(ctx context.Context, input any) (any, error)
	Close() error
}

// SessionOptions are the execution settings a loader builds a session with.
type SessionOptions struct {
	DeviceID       string
	Providers      []string
	Sequential     bool
	IntraOpThreads int
	InterOpThreads int
}

// Loader builds a session from a model file.
type Loader func(path string, opts SessionOptions) (Session, error)

// BuiltinFactory builds an in-process session.
type BuiltinFactory func(opts SessionOptions) (Session, error)

// Providers the agent knows about. GPU bound providers serialize session
// execution to avoid device contention.
var gpuProviders = map[string]bool{
	"cuda":     true,
	"tensorrt": true,
	"directml": true,
	"rocm":     true,
	"openvino": true,
	"coreml":   true,
}

// Providers whose sessions are not reentrant.
var singleCallProviders = map[string]bool{
	"directml": true,
	"rocm":     true,
}

// KnownProviders lists every accepted execution provider.
func KnownProviders() []string {
	return []string{"cpu", "cuda", "tensorrt", "directml", "rocm", "openvino", "coreml"}
}

// IsGPUBound reports whether any provider runs on an accelerator.
func IsGPUBound(providers []string) bool {
	for _, p := range providers {
		if gpuProviders[p] {
			return true
		}
	}
	return false
}

func buildSessionOptions(deviceID string, providers []string, threads int) SessionOptions {
	opts := SessionOptions{
		DeviceID:  deviceID,
		Providers: append([]string(nil), providers...),
	}
	if IsGPUBound(providers) {
		opts.Sequential = true
		opts.IntraOpThreads = 1
		opts.InterOpThreads = 1
		return opts
	}
	if threads < 1 {
		threads = 1
	}
	opts.IntraOpThreads = threads
	opts.InterOpThreads = threads
	return opts
}

// admissionLimit returns how many concurrent Run calls a session accepts.
// Zero means unlimited.
func admissionLimit(providers []string, configured int) int64 {
	if configured > 0 {
		return int64(configured)
	}
	for _, p := range providers {
		if singleCallProviders[p] {
			return 1
		}
	}
	return 0
}

// admittedSession gates Run through a weighted semaphore.
type admittedSession struct {
	Session
	sem *semaphore.Weighted
}

func withAdmission(s Session, limit int64) Session {
	if limit <= 0 {
		return s
	}
	return &admittedSession{Session: s, sem: semaphore.NewWeighted(limit)}
}

func (a *admittedSession) Run(ctx context.Context, input any) (any, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("session admission: %w", err)
	}
	defer a.sem.Release(1)
	return a.Session.Run(ctx, input)
}

func isBuiltin(source string) bool {
	return strings.HasPrefix(source, BuiltinScheme)
}

func loaderKey(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
