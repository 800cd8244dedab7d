package supervisor

import (
	"sort"
	"sync"
)

// Registry names the supervisors of running components for health reporting.
type Registry struct {
	mu sync.RWMutex
	m  map[string]func() *Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]func() *Supervisor{}}
}

// Set registers sup under name; nil deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if sup == nil {
		r.Track(name, nil)
		return
	}
	r.Track(name, func() *Supervisor { return sup })
}

// Track registers a getter for components that replace their supervisor on
// restart. A getter returning nil hides the component until it runs.
func (r *Registry) Track(name string, get func() *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if get == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = get
}

func (r *Registry) Delete(name string) { r.Track(name, nil) }

// Health is the per-component view served by /healthz.
type Health struct {
	OK         bool                `json:"ok"`
	Components map[string]Snapshot `json:"components"`
}

// Health reports every registered supervisor. OK is false once any of them
// has published an error.
func (r *Registry) Health() Health {
	h := Health{OK: true, Components: map[string]Snapshot{}}
	if r == nil {
		return h
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	gets := make([]func() *Supervisor, 0, len(names))
	for _, name := range names {
		gets = append(gets, r.m[name])
	}
	r.mu.RUnlock()

	for i, get := range gets {
		sup := get()
		if sup == nil {
			continue
		}
		snap := sup.Snapshot()
		if snap.FirstError != "" {
			h.OK = false
		}
		h.Components[names[i]] = snap
	}
	return h
}
