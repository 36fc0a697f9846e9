// Package registry implements the Node Registry: the set of urls currently
// registered with the coordinator, independent of whether they are
// currently alive. Liveness is the Liveness Tracker's concern; this
// package only answers "is this url registered".
package registry

import (
	"sync"
	"time"

	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// Registry tracks registered node identities and emits a NodeRegistered
// event on every register() call, including re-registration, so the
// Integrity Reconciler can audit a returning node for tampering.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]model.Node
	bus   *events.Bus
}

func New(bus *events.Bus) *Registry {
	return &Registry{
		nodes: make(map[string]model.Node),
		bus:   bus,
	}
}

// Register records url as known, refreshing its identity if it was already
// registered. Always emits NodeRegistered.
func (r *Registry) Register(url, id string) model.Node {
	r.mu.Lock()
	n := model.Node{Url: url, ID: id, RegistrationTime: time.Now()}
	r.nodes[url] = n
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.NodeRegistered{Url: url})
	}
	return n
}

// Unregister removes url from the registry.
func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, url)
}

// IsRegistered reports whether url is registered and has not since been
// unregistered.
func (r *Registry) IsRegistered(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[url]
	return ok
}

// List returns a snapshot of every known node.
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
