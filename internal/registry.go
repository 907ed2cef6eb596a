package internal

import (
	"sync"

	"github.com/dcrodman/trackd/internal/server"
)

// Registry maps ports to the listeners bound on them, remembering the order
// in which they were added.
type Registry struct {
	mu        sync.RWMutex
	ports     []int
	listeners map[int]server.Listener
}

// Add registers l under port. A port that is already taken keeps its
// original listener.
func (r *Registry) Add(port int, l server.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[int]server.Listener)
	}
	if _, ok := r.listeners[port]; ok {
		return
	}
	r.ports = append(r.ports, port)
	r.listeners[port] = l
}

// Get returns the listener on port. If port is 0 or has no listener, the
// first listener added is returned instead. It returns nil only when the
// registry is empty.
func (r *Registry) Get(port int) server.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if l, ok := r.listeners[port]; ok && port != 0 {
		return l
	}
	if len(r.ports) == 0 {
		return nil
	}
	return r.listeners[r.ports[0]]
}

// All returns the listeners in the order they were added.
func (r *Registry) All() []server.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]server.Listener, 0, len(r.ports))
	for _, port := range r.ports {
		all = append(all, r.listeners[port])
	}
	return all
}

// Ports returns the registered ports in the order they were added.
func (r *Registry) Ports() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.ports...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}
