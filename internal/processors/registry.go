package processors

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds processors by name in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	procs map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.Name()]; ok {
		return fmt.Errorf("processor %s already registered", p.Name())
	}
	r.procs[p.Name()] = p
	r.order = append(r.order, p.Name())
	return nil
}

func (r *Registry) Get(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Resolve returns the processors for names in the given order.
func (r *Registry) Resolve(names []string) ([]Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Processor, 0, len(names))
	var unknown []string
	for _, n := range names {
		p, ok := r.procs[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, p)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, strings.Join(unknown, ", "))
	}
	return out, nil
}

// All returns every processor in registration order.
func (r *Registry) All() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Processor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.procs[n])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
