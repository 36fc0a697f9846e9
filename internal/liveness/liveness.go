// Package liveness implements the Liveness Tracker: it consumes pushed
// node heartbeats, maintains alive/dead state and uptime stats, diffs each
// node's self-reported inventory against the last one seen, and emits
// typed events for the Integrity Reconciler to react to. The tracker exclusively owns every LivenessRecord; everything
// else reads through its accessors.
package liveness

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// HeartbeatStatus is the node-reported health in a heartbeat payload.
type HeartbeatStatus string

const (
	StatusUp       HeartbeatStatus = "UP"
	StatusShutdown HeartbeatStatus = "SHUTDOWN"
)

// entry pairs a liveness record with the small per-node lock that
// serializes heartbeat processing for that node. The outer Tracker lock
// only ever guards the map's key set, never a record's fields, so readers
// of other nodes are never blocked by one node's heartbeat.
type entry struct {
	mu  sync.Mutex
	rec model.LivenessRecord
}

// Tracker owns every node's liveness record.
type Tracker struct {
	mu      sync.RWMutex
	nodes   map[string]*entry
	bus     *events.Bus
	timeout time.Duration
}

func New(bus *events.Bus, heartbeatTimeout time.Duration) *Tracker {
	return &Tracker{
		nodes:   make(map[string]*entry),
		bus:     bus,
		timeout: heartbeatTimeout,
	}
}

func (t *Tracker) getOrCreate(url string) *entry {
	t.mu.RLock()
	e, ok := t.nodes[url]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.nodes[url]; ok {
		return e
	}
	e = &entry{rec: model.LivenessRecord{Url: url, LastInventory: map[string][]int{}}}
	t.nodes[url] = e
	return e
}

// Heartbeat processes one heartbeat. Heartbeats for a single node are
// serialized by the node's own entry lock; heartbeats for distinct nodes
// proceed independently.
func (t *Tracker) Heartbeat(url, id string, status HeartbeatStatus, timestamp time.Time, inventory map[string][]int, capacity model.CapacityMetrics) {
	e := t.getOrCreate(url)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := timestamp
	rec := &e.rec
	firstHeartbeat := rec.FirstSeen.IsZero()
	if firstHeartbeat {
		rec.FirstSeen = now
	}

	if status == StatusShutdown {
		if rec.Alive {
			rec.Alive = false
			rec.DowntimeStart = now
			t.publish(events.NodeDown{Url: url})
		}
		rec.LastHeartbeat = now
		rec.TotalHeartbeats++
		return
	}

	wasDead := !rec.Alive && !firstHeartbeat
	if wasDead {
		if !rec.DowntimeStart.IsZero() {
			rec.Downtime += now.Sub(rec.DowntimeStart)
		}
	}
	rec.Alive = true
	rec.LastHeartbeat = now
	rec.TotalHeartbeats++
	rec.Capacity = capacity

	if wasDead {
		t.publish(events.NodeRecovered{Url: url, CurrentInventory: cloneInventory(inventory)})
	}

	if !firstHeartbeat {
		if removed := diffInventory(rec.LastInventory, inventory, url); len(removed) > 0 {
			t.publish(events.InventoryChanged{Url: url, Removed: removed})
		}
		if added := diffInventory(inventory, rec.LastInventory, url); len(added) > 0 {
			logrus.WithFields(logrus.Fields{"component": "liveness", "node": url, "added": len(added)}).Debug("node reported new chunks")
		}
	}

	rec.LastInventory = cloneInventory(inventory)
}

func (t *Tracker) publish(ev events.Event) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}

// diffInventory returns the (fileId, chunkIndex) pairs present in prev but
// absent from next, for the given node url. Additions are not returned;
// Heartbeat calls it with the arguments swapped to log them.
func diffInventory(prev, next map[string][]int, url string) []model.ChunkRef {
	var removed []model.ChunkRef
	for fileID, prevChunks := range prev {
		prevSet := mapset.NewThreadUnsafeSet(prevChunks...)
		nextSet := mapset.NewThreadUnsafeSet(next[fileID]...)
		gone := prevSet.Difference(nextSet)
		idx := gone.ToSlice()
		sort.Ints(idx)
		for _, ci := range idx {
			removed = append(removed, model.ChunkRef{FileID: fileID, ChunkIndex: ci})
		}
	}
	return removed
}

func cloneInventory(inv map[string][]int) map[string][]int {
	out := make(map[string][]int, len(inv))
	for k, v := range inv {
		cp := make([]int, len(v))
		copy(cp, v)
		sort.Ints(cp)
		out[k] = cp
	}
	return out
}

// CheckTimeouts is the periodic task driving the ALIVE -> DEAD transition:
// any node alive but unheard-from for longer than the heartbeat timeout is
// marked dead and emits NodeDown.
func (t *Tracker) CheckTimeouts() {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	now := time.Now()
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.Alive && now.Sub(e.rec.LastHeartbeat) > t.timeout {
			e.rec.Alive = false
			e.rec.DowntimeStart = now
			url := e.rec.Url
			e.mu.Unlock()
			logrus.WithFields(logrus.Fields{"component": "liveness", "node": url}).Warn("node timed out, marking dead")
			t.publish(events.NodeDown{Url: url})
			continue
		}
		e.mu.Unlock()
	}
}

// AliveUrls returns every url currently considered alive.
func (t *Tracker) AliveUrls() []string {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var alive []string
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.Alive {
			alive = append(alive, e.rec.Url)
		}
		e.mu.Unlock()
	}
	sort.Strings(alive)
	return alive
}

// IsAlive reports whether url is currently alive. Unknown nodes are not
// alive.
func (t *Tracker) IsAlive(url string) bool {
	t.mu.RLock()
	e, ok := t.nodes[url]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Alive
}

// Record returns a defensive copy of url's liveness record, or nil if
// unknown.
func (t *Tracker) Record(url string) *model.LivenessRecord {
	t.mu.RLock()
	e, ok := t.nodes[url]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// Inventory returns url's last self-reported inventory, or an empty map if
// url has never heartbeated. Used by the Integrity Reconciler to audit a
// freshly registered or recovered node against the Metadata Store.
func (t *Tracker) Inventory(url string) map[string][]int {
	rec := t.Record(url)
	if rec == nil {
		return map[string][]int{}
	}
	return rec.LastInventory
}

// TotalHeartbeats sums TotalHeartbeats across every known node, for the
// /stats endpoint.
func (t *Tracker) TotalHeartbeats() int64 {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var total int64
	for _, e := range entries {
		e.mu.Lock()
		total += e.rec.TotalHeartbeats
		e.mu.Unlock()
	}
	return total
}

// Counts returns (aliveCount, totalCount) across all known nodes.
func (t *Tracker) Counts() (alive, total int) {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	total = len(entries)
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.Alive {
			alive++
		}
		e.mu.Unlock()
	}
	return alive, total
}
