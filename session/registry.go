package session

import (
	"sync"

	"github.com/hazyhaar/visualcore/sessionid"
)

// Registry is the process-wide lookup from SessionId to a live Manager.
// Thread-safe: reads use RLock, registration/removal use full Lock,
// mirroring connectivity.Router's map-of-services discipline.
type Registry struct {
	mu       sync.RWMutex
	managers map[sessionid.ID]*Manager
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[sessionid.ID]*Manager)}
}

// Register adds m under its SessionId. Replaces any existing entry for
// the same id without closing it — callers are expected to have already
// rejected duplicate session creation upstream.
func (r *Registry) Register(m *Manager) {
	r.mu.Lock()
	r.managers[m.ID()] = m
	r.mu.Unlock()
}

// Lookup resolves id to its Manager.
func (r *Registry) Lookup(id sessionid.ID) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

// Remove drops id from the registry. It does not stop the Manager; callers
// call Manager.Finalize (the FINALIZING path) separately.
func (r *Registry) Remove(id sessionid.ID) {
	r.mu.Lock()
	delete(r.managers, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// All returns a snapshot slice of every registered Manager, for admin/
// status listing endpoints.
func (r *Registry) All() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}
