// Package events is the acyclic wiring between the Liveness Tracker / Node
// Registry (publishers) and the Integrity Reconciler (subscriber), per the
// cyclic-service-reference design note: instead of components holding
// pointers to each other, they publish typed events onto a shared Bus.
package events

import (
	"sync"

	"github.com/jaywantadh/chunkmaster/internal/model"
)

// Event is implemented by every event the bus can carry.
type Event interface {
	isEvent()
}

// NodeDown fires when the Liveness Tracker marks a node dead, either from
// its timeout loop or on a SHUTDOWN heartbeat. It is informational only — the Re-replication Loop, not this
// event, is responsible for driving repair of the resulting
// under-replication.
type NodeDown struct {
	Url string
}

// NodeRecovered fires when a dead node sends a heartbeat with status UP.
type NodeRecovered struct {
	Url              string
	CurrentInventory map[string][]int
}

// NodeRegistered fires on every register() call, including re-registration
// of an already-known url — re-registration must still trigger an audit
// in case the node was tampered with while unregistered.
type NodeRegistered struct {
	Url string
}

// InventoryChanged fires when a node's self-reported inventory loses
// chunks it previously reported holding.
type InventoryChanged struct {
	Url     string
	Removed []model.ChunkRef
}

func (NodeDown) isEvent()         {}
func (NodeRecovered) isEvent()    {}
func (NodeRegistered) isEvent()   {}
func (InventoryChanged) isEvent() {}

// Bus fans out published events to every current subscriber. Subscribers
// each get their own buffered channel; a slow subscriber only ever loses
// its own events (silently, once its channel is full), never blocks the
// publisher or other subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
}

// NewBus creates an event bus whose per-subscriber channel holds bufferSize
// pending events before publishes to that subscriber start dropping.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns the channel it will
// receive events on. The channel is never closed by the bus.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans out ev to every current subscriber without blocking the
// caller; a full subscriber channel drops the event for that subscriber
// only.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
