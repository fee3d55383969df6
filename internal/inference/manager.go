// Package inference owns loaded model sessions, grouped into pools keyed by
// inference context and shared between the batch and interactive callers.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/state"
)

const (
	defaultWaitBase = 50 * time.Millisecond
	defaultWaitMax  = 500 * time.Millisecond
)

// Pool maps a logical model name to its loaded session.
type Pool map[string]Session

// ModelSources maps a logical model name to a model file path or a
// builtin:<kernel> source.
type ModelSources map[string]string

// Config configures a Manager.
type Config struct {
	// Defaults used when the state store has no execution settings.
	DeviceID    string
	Providers   []string
	ThreadCount int
	// SessionConcurrency caps concurrent Run calls per session. Zero picks a
	// limit from the providers.
	SessionConcurrency int
	// ModelsDir resolves relative model file sources.
	ModelsDir string
	Logger    *slog.Logger
	// Fatal is called when a session cannot be constructed. Defaults to
	// logging the error and exiting with status 1.
	Fatal func(error)
}

// Manager is the inference pool table. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	store   *state.Store
	process *process.Manager
	logger  *slog.Logger

	loaders  map[string]Loader
	builtins map[string]BuiltinFactory

	mu    sync.Mutex
	pools map[state.ExecutionContext]map[string]Pool

	waitBase time.Duration
	waitMax  time.Duration
}

func NewManager(cfg Config, store *state.Store, proc *process.Manager) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"cpu"}
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		process:  proc,
		logger:   logging.WithComponent(cfg.Logger, "inference"),
		loaders:  make(map[string]Loader),
		builtins: make(map[string]BuiltinFactory),
		pools: map[state.ExecutionContext]map[string]Pool{
			state.Batch:       {},
			state.Interactive: {},
		},
		waitBase: defaultWaitBase,
		waitMax:  defaultWaitMax,
	}
	if m.cfg.Fatal == nil {
		m.cfg.Fatal = func(err error) {
			m.logger.Error("inference session construction failed, exiting", "error", err)
			os.Exit(1)
		}
	}
	return m
}

// RegisterLoader handles model files with the given extension (".onnx").
func (m *Manager) RegisterLoader(ext string, loader Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaders[strings.ToLower(ext)] = loader
}

// RegisterBuiltin serves builtin:<name> model sources.
func (m *Manager) RegisterBuiltin(name string, factory BuiltinFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtins[name] = factory
}

// ContextKey joins module, model names, device and providers into the
// inference context identifying a sharable pool.
func ContextKey(module string, modelNames []string, deviceID string, providers []string) string {
	parts := make([]string, 0, 2+len(modelNames)+len(providers))
	parts = append(parts, module)
	parts = append(parts, modelNames...)
	parts = append(parts, deviceID)
	parts = append(parts, providers...)
	return strings.Join(parts, ".")
}

// GetPool returns the pool for module and modelNames in the execution
// context carried by ctx. A pool already built under the other execution
// context with the same inference context is aliased rather than reloaded.
func (m *Manager) GetPool(ctx context.Context, module string, modelNames []string, sources ModelSources) (Pool, error) {
	if err := m.waitWhileChecking(ctx); err != nil {
		return nil, err
	}

	deviceID, providers, threads := m.execution(ctx)
	key := ContextKey(module, modelNames, deviceID, providers)
	ec := state.ExecutionContextFrom(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[ec][key]; ok {
		return pool, nil
	}
	if pool, ok := m.pools[ec.Other()][key]; ok {
		m.pools[ec][key] = pool
		m.logger.Debug("aliased inference pool", "context", key, "from", ec.Other(), "to", ec)
		return pool, nil
	}

	pool, err := m.createPool(modelNames, sources, deviceID, providers, threads)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrSessionLoad, key, err)
		m.cfg.Fatal(err)
		return nil, err
	}
	m.pools[ec][key] = pool
	m.logger.Info("created inference pool", "context", key, "sessions", len(pool), "execution_context", ec)
	return pool, nil
}

// ClearPool drops the pool from the current execution context. Sessions are
// closed once no execution context references them.
func (m *Manager) ClearPool(ctx context.Context, module string, modelNames []string) {
	deviceID, providers, _ := m.execution(ctx)
	key := ContextKey(module, modelNames, deviceID, providers)
	ec := state.ExecutionContextFrom(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[ec][key]
	if !ok {
		return
	}
	delete(m.pools[ec], key)

	if other, shared := m.pools[ec.Other()][key]; shared && samePool(pool, other) {
		return
	}
	for name, session := range pool {
		if err := session.Close(); err != nil {
			m.logger.Warn("closing inference session failed", "model", name, "error", err)
		}
	}
	m.logger.Debug("cleared inference pool", "context", key, "execution_context", ec)
}

// PoolCount returns how many pools the execution context holds.
func (m *Manager) PoolCount(ec state.ExecutionContext) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools[ec])
}

func (m *Manager) waitWhileChecking(ctx context.Context) error {
	if m.process == nil {
		return nil
	}
	wait := m.waitBase
	for m.process.IsChecking() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for pre-flight checks: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if wait > m.waitMax {
			wait = m.waitMax
		}
	}
	return nil
}

func (m *Manager) execution(ctx context.Context) (string, []string, int) {
	deviceID := m.cfg.DeviceID
	providers := m.cfg.Providers
	threads := m.cfg.ThreadCount
	if m.store != nil {
		args := m.store.Args(ctx)
		if v := args.String(state.KeyExecutionDeviceID); v != "" {
			deviceID = v
		}
		if v := args.Strings(state.KeyExecutionProviders); len(v) > 0 {
			providers = v
		}
		if v := args.Int(state.KeyExecutionThreadCount); v > 0 {
			threads = v
		}
	}
	if deviceID == "" {
		deviceID = "0"
	}
	return deviceID, providers, threads
}

// createPool must be called with m.mu held.
func (m *Manager) createPool(modelNames []string, sources ModelSources, deviceID string, providers []string, threads int) (Pool, error) {
	opts := buildSessionOptions(deviceID, providers, threads)
	limit := admissionLimit(providers, m.cfg.SessionConcurrency)

	names := append([]string(nil), modelNames...)
	sort.Strings(names)

	pool := make(Pool, len(names))
	for _, name := range names {
		source, ok := sources[name]
		if !ok || source == "" {
			continue
		}
		session, err := m.load(source, opts)
		if err != nil {
			for _, s := range pool {
				_ = s.Close()
			}
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		if session == nil {
			continue
		}
		pool[name] = withAdmission(session, limit)
	}
	return pool, nil
}

// load returns a nil session when a model file is not on disk.
func (m *Manager) load(source string, opts SessionOptions) (Session, error) {
	if isBuiltin(source) {
		kernel := strings.TrimPrefix(source, BuiltinScheme)
		factory, ok := m.builtins[kernel]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoLoader, source)
		}
		return factory(opts)
	}

	if !filepath.IsAbs(source) && m.cfg.ModelsDir != "" {
		source = filepath.Join(m.cfg.ModelsDir, source)
	}
	info, err := os.Stat(source)
	if err != nil || info.IsDir() {
		m.logger.Warn("model file missing, skipping", "path", logging.SanitizePath(source))
		return nil, nil
	}
	loader, ok := m.loaders[loaderKey(source)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, loaderKey(source))
	}
	return loader(source, opts)
}

func samePool(a, b Pool) bool {
	if len(a) != len(b) {
		return false
	}
	for name, s := range a {
		if b[name] != s {
			return false
		}
	}
	return true
}
