// Package state holds the process-wide run configuration shared by the
// batch (job runner, CLI) and interactive (HTTP, tray) execution contexts.
package state

import (
	"context"
	"sort"
	"sync"
)

// ExecutionContext names one of the two logical callers of the shared state
// and inference pool tables.
type ExecutionContext string

const (
	Batch       ExecutionContext = "batch"
	Interactive ExecutionContext = "interactive"
)

// Other returns the opposite execution context.
func (e ExecutionContext) Other() ExecutionContext {
	if e == Interactive {
		return Batch
	}
	return Interactive
}

type contextKey struct{}

// WithExecutionContext tags ctx with the calling execution context.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// ExecutionContextFrom returns the tag stored on ctx, defaulting to Batch.
func ExecutionContextFrom(ctx context.Context) ExecutionContext {
	if ec, ok := ctx.Value(contextKey{}).(ExecutionContext); ok {
		return ec
	}
	return Batch
}

// Store is the shared state store: one Args table per execution context.
type Store struct {
	mu       sync.RWMutex
	items    map[ExecutionContext]Args
	defaults Args
	stepKeys map[string]struct{}
}

func NewStore() *Store {
	s := &Store{
		items: map[ExecutionContext]Args{
			Batch:       {},
			Interactive: {},
		},
		defaults: Args{},
		stepKeys: make(map[string]struct{}),
	}
	s.RegisterStepKeys(coreStepKeys...)
	return s
}

// InitItem sets a value in both contexts and records it as the default
// restored by ApplyStep.
func (s *Store) InitItem(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[key] = value
	s.items[Batch][key] = value
	s.items[Interactive][key] = value
}

// InitArgs calls InitItem for every entry.
func (s *Store) InitArgs(args Args) {
	for k, v := range args {
		s.InitItem(k, v)
	}
}

func (s *Store) Get(ctx context.Context, key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[ExecutionContextFrom(ctx)][key]
}

func (s *Store) Set(ctx context.Context, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[ExecutionContextFrom(ctx)][key] = value
}

// Apply sets every entry of args in the context carried by ctx.
func (s *Store) Apply(ctx context.Context, args Args) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.items[ExecutionContextFrom(ctx)]
	for k, v := range args.Clone() {
		table[k] = v
	}
}

// ApplyStep makes args the complete step configuration of the context
// carried by ctx: every step key takes its value from args, falls back to
// its default, or is removed. Keys outside the step set are applied as is.
func (s *Store) ApplyStep(ctx context.Context, args Args) {
	args = args.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.items[ExecutionContextFrom(ctx)]
	defaults := s.defaults.Clone()
	for k := range s.stepKeys {
		if _, ok := args[k]; ok {
			continue
		}
		if v, ok := defaults[k]; ok {
			table[k] = v
		} else {
			delete(table, k)
		}
	}
	for k, v := range args {
		table[k] = v
	}
}

// StepDefaults returns the initial values of the step keys. New job steps
// start from these, never from a context that has already run.
func (s *Store) StepDefaults() Args {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Args, len(s.stepKeys))
	for k := range s.stepKeys {
		if v, ok := s.defaults[k]; ok {
			out[k] = v
		}
	}
	return out.Clone()
}

// SyncItem copies the batch value of key into the interactive context.
func (s *Store) SyncItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[Batch][key]; ok {
		s.items[Interactive][key] = v
	}
}

func (s *Store) Clear(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[ExecutionContextFrom(ctx)], key)
}

// Args returns a copy of the table for the context carried by ctx.
func (s *Store) Args(ctx context.Context) Args {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[ExecutionContextFrom(ctx)].Clone()
}

// RegisterStepKeys marks keys that are frozen into job steps. Processors
// register their own option keys here.
func (s *Store) RegisterStepKeys(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.stepKeys[k] = struct{}{}
	}
}

// StepKeys returns the registered step keys in sorted order.
func (s *Store) StepKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.stepKeys))
	for k := range s.stepKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StepArgs snapshots the step keys present in the current context.
func (s *Store) StepArgs(ctx context.Context) Args {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := s.items[ExecutionContextFrom(ctx)]
	out := make(Args, len(s.stepKeys))
	for k := range s.stepKeys {
		if v, ok := table[k]; ok {
			out[k] = v
		}
	}
	return out.Clone()
}
