package sandbox

import (
	"sync"

	"github.com/google/uuid"
)

// registry maps tokens to live sandboxes for every instance in the process.
type registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

var processRegistry = &registry{sandboxes: make(map[string]*Sandbox)}

func newToken() string {
	return "sbx_" + uuid.NewString()
}

// newName draws a display name independent of the token, since the name is
// visible to guest code and logs.
func newName() string {
	return "sandbox-" + uuid.NewString()[:8]
}

func (r *registry) register(s *Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[s.token] = s
}

func (r *registry) lookup(token string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sandboxes[token]
	return s, ok
}

func (r *registry) remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sandboxes, token)
}

// Lookup returns the sandbox registered under token. Sandboxes register when they
// first prepare a program and leave the registry on Close.
func Lookup(token string) (*Sandbox, bool) {
	return processRegistry.lookup(token)
}
