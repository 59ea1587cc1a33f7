// Package registry maps session keys to their sandbox instance.
//
// A Registry is created at process start and passed to the orchestrator; it
// is not a package-level global. Every method is individually atomic and
// returns or stores detached copies, so callers never share an *Instance with
// the registry.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// ErrNotFound is returned by Update when the session has no entry for the
// given instance.
var ErrNotFound = errors.New("registry entry not found")

// Registry is the process-wide session -> instance table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*domain.Instance
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*domain.Instance)}
}

// Register binds inst to its session. It fails with SessionAlreadyBound when
// a non-terminal instance is already bound; a terminal entry is replaced.
func (r *Registry) Register(inst *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[inst.SessionKey]; ok && !cur.State.Terminal() {
		return domain.SessionAlreadyBound(inst.SessionKey, cur.ID)
	}
	r.entries[inst.SessionKey] = inst.Clone()
	return nil
}

// Lookup returns a copy of the session's current instance.
func (r *Registry) Lookup(sessionKey string) (*domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.entries[sessionKey]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Update applies fn to the entry for sessionKey if it still belongs to
// instanceID. When fn returns an error the entry is left unchanged.
func (r *Registry) Update(sessionKey, instanceID string, fn func(*domain.Instance) error) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[sessionKey]
	if !ok || cur.ID != instanceID {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	r.entries[sessionKey] = next
	return next.Clone(), nil
}

// Evict removes the session's entry if it is terminal. It is a no-op, and
// returns false, for live or in-flight entries.
func (r *Registry) Evict(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[sessionKey]
	if !ok || !cur.State.Terminal() {
		return false
	}
	delete(r.entries, sessionKey)
	return true
}

// Remove deletes the session's entry if it still belongs to instanceID,
// whatever its state.
func (r *Registry) Remove(sessionKey, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[sessionKey]
	if !ok || cur.ID != instanceID {
		return false
	}
	delete(r.entries, sessionKey)
	return true
}

// List returns copies of all entries ordered by creation time.
func (r *Registry) List() []*domain.Instance {
	r.mu.RLock()
	out := make([]*domain.Instance, 0, len(r.entries))
	for _, inst := range r.entries {
		out = append(out, inst.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountLive returns the number of non-terminal entries.
func (r *Registry) CountLive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.entries {
		if !inst.State.Terminal() {
			n++
		}
	}
	return n
}

// Owns reports whether a non-terminal entry is instanceID running on handle.
// Units left behind by earlier attempts of the same instance are not owned.
func (r *Registry) Owns(instanceID, handle string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.entries {
		if inst.ID == instanceID && inst.Handle == handle && !inst.State.Terminal() {
			return true
		}
	}
	return false
}

// Collect evicts terminal entries that have not changed for longer than
// grace and returns their session keys.
func (r *Registry) Collect(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, inst := range r.entries {
		if inst.State.Terminal() && now.Sub(inst.UpdatedAt) >= grace {
			delete(r.entries, key)
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
