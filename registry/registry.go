// Package registry maps usernames to the connection currently holding them.
package registry

import (
	"sort"
	"sync"

	"dmrelay/models"
)

// Registry is the in-memory presence table. One entry per username; the last
// registration wins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.Handle
}

func New() *Registry {
	return &Registry{entries: make(map[string]models.Handle)}
}

// Register points username at handle, replacing whatever was there. The
// replaced connection is not closed.
func (r *Registry) Register(username string, handle models.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[username] = handle
}

func (r *Registry) Lookup(username string) (models.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.entries[username]
	return handle, ok
}

// Unregister removes username only while it still maps to handle, so a late
// disconnect cannot evict a newer registration of the same name.
func (r *Registry) Unregister(username string, handle models.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[username]
	if !ok || current != handle {
		return false
	}
	delete(r.entries, username)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Usernames returns the registered names sorted.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.entries))
	for username := range r.entries {
		users = append(users, username)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Snapshot copies the table.
func (r *Registry) Snapshot() map[string]models.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.Handle, len(r.entries))
	for username, handle := range r.entries {
		out[username] = handle
	}
	return out
}
