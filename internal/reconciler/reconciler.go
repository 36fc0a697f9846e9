// Package reconciler implements the Integrity Reconciler: it subscribes to
// the event bus and repairs individual chunks the instant a node reports
// losing them, or the instant a node registers or recovers with an
// inventory that no longer matches what the Metadata Store expects it to
// hold. It is the fast, targeted path; the Re-replication Loop is the sweep
// that catches whatever this package misses (a target write failing, the
// coordinator restarting mid repair).
package reconciler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// FileStore is the subset of the Metadata Store the reconciler needs.
type FileStore interface {
	Get(fileID string) (*model.File, error)
	List() []*model.File
	UpdateChunks(fileID string, mutator func([]model.ChunkReplica) []model.ChunkReplica) error
}

// AliveLister is the subset of the Liveness Tracker the reconciler needs.
type AliveLister interface {
	AliveUrls() []string
	Inventory(url string) map[string][]int
}

// NodeClient is the subset of the node HTTP client the reconciler needs.
type NodeClient interface {
	ReadChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) ([]byte, error)
	WriteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int, data []byte) error
	ChunkExists(ctx context.Context, nodeUrl, fileID string, chunkIndex int) (bool, error)
}

// Reconciler drains the event bus and drives single-chunk repairs.
type Reconciler struct {
	store             FileStore
	liveness          AliveLister
	nodes             NodeClient
	auditLog          *audit.Log
	replicationFactor int
	ioTimeout         time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // key: fileID/chunkIndex/targetUrl
}

func New(store FileStore, liveness AliveLister, nodes NodeClient, auditLog *audit.Log, replicationFactor int, ioTimeout time.Duration) *Reconciler {
	return &Reconciler{
		store:             store,
		liveness:          liveness,
		nodes:             nodes,
		auditLog:          auditLog,
		replicationFactor: replicationFactor,
		ioTimeout:         ioTimeout,
		inFlight:          make(map[string]bool),
	}
}

// Run drains ch until it is closed or ctx is done. Intended to be started
// in its own goroutine, fed by bus.Subscribe().
func (r *Reconciler) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Reconciler) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.InventoryChanged:
		for _, ref := range e.Removed {
			r.auditLog.Record(audit.Entry{Kind: audit.KindTamperDetected, FileID: ref.FileID, ChunkIndex: ref.ChunkIndex, NodeUrl: e.Url, Detail: "node reported losing chunk"})
			go r.repairChunk(ref.FileID, ref.ChunkIndex, e.Url)
		}
	case events.NodeRecovered:
		logrus.WithFields(logrus.Fields{"component": "reconciler", "node": e.Url}).Info("node recovered, auditing expected inventory")
		go r.auditNode(e.Url, e.CurrentInventory)
	case events.NodeRegistered:
		logrus.WithFields(logrus.Fields{"component": "reconciler", "node": e.Url}).Info("node registered, auditing expected inventory")
		go r.auditNode(e.Url, r.liveness.Inventory(e.Url))
	case events.NodeDown:
		logrus.WithFields(logrus.Fields{"component": "reconciler", "node": e.Url}).Info("node down")
	}
}

// auditNode compares what the Metadata Store expects url to be holding
// against currentInventory (the node's own self-report) and dispatches a
// targeted per-chunk repair for every gap. This is the same audit for both
// NodeRecovered and NodeRegistered: a node can be tampered with either
// while it is down (caught on recovery) or while the coordinator itself is
// down (caught on re-registration).
func (r *Reconciler) auditNode(url string, currentInventory map[string][]int) {
	for _, f := range r.store.List() {
		have := mapset.NewThreadUnsafeSet(currentInventory[f.FileID]...)
		for _, c := range f.Chunks {
			if c.NodeUrl != url {
				continue
			}
			if have.Contains(c.ChunkIndex) {
				continue
			}
			r.auditLog.Record(audit.Entry{Kind: audit.KindTamperDetected, FileID: f.FileID, ChunkIndex: c.ChunkIndex, NodeUrl: url, Detail: "node inventory missing expected chunk"})
			r.repairChunk(f.FileID, c.ChunkIndex, url)
		}
	}
}

// repairChunk restores targetUrl's copy of (fileID, chunkIndex) by reading
// from another live, verified replica and writing it back to targetUrl.
// Per spec this targets the specific node the event names, not an
// arbitrary under-replicated node — the metadata already lists targetUrl
// as a holder (or is about to, if this is a fresh placement audit); the
// repair's job is to make the physical copy match that expectation.
func (r *Reconciler) repairChunk(fileID string, chunkIndex int, targetUrl string) {
	key := fileID + "/" + strconv.Itoa(chunkIndex) + "/" + targetUrl
	r.mu.Lock()
	if r.inFlight[key] {
		r.mu.Unlock()
		return
	}
	r.inFlight[key] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	f, err := r.store.Get(fileID)
	if err != nil {
		return // file was deleted concurrently, nothing to repair
	}

	live := r.liveness.AliveUrls()
	liveSet := mapset.NewThreadUnsafeSet(live...)

	byIndex := f.ChunksByIndex()
	existing := byIndex[chunkIndex]

	alreadyListed := false
	maxOrdinal := -1
	var candidates []string
	for _, c := range existing {
		if c.ReplicaOrdinal > maxOrdinal {
			maxOrdinal = c.ReplicaOrdinal
		}
		if c.NodeUrl == targetUrl {
			alreadyListed = true
			continue
		}
		if liveSet.Contains(c.NodeUrl) {
			candidates = append(candidates, c.NodeUrl)
		}
	}
	sort.Strings(candidates)

	if len(candidates) == 0 {
		r.auditLog.Record(audit.Entry{Kind: audit.KindRepairFailed, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: targetUrl, Detail: "no live source replica to repair from"})
		return
	}

	sourceUrl, data, ok := r.readFromVerifiedSource(fileID, chunkIndex, candidates)
	if !ok {
		r.auditLog.Record(audit.Entry{Kind: audit.KindRepairFailed, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: targetUrl, Detail: "no source replica verified a live copy"})
		return
	}
	r.auditLog.Record(audit.Entry{Kind: audit.KindRepairStarted, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: sourceUrl, Detail: "target " + targetUrl})

	ctx, cancel := context.WithTimeout(context.Background(), r.ioTimeout)
	err = r.nodes.WriteChunk(ctx, targetUrl, fileID, chunkIndex, data)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{"component": "reconciler", "fileId": fileID, "chunkIndex": chunkIndex, "target": targetUrl}).WithError(err).Warn("repair write failed")
		r.auditLog.Record(audit.Entry{Kind: audit.KindRepairFailed, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: targetUrl, Detail: "write to target failed"})
		return
	}

	if alreadyListed {
		r.auditLog.Record(audit.Entry{Kind: audit.KindRepairCompleted, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: targetUrl, Detail: "restored existing replica"})
		return
	}

	newOrdinal := maxOrdinal + 1
	err = r.store.UpdateChunks(fileID, func(chunks []model.ChunkReplica) []model.ChunkReplica {
		for _, c := range chunks {
			if c.ChunkIndex == chunkIndex && c.NodeUrl == targetUrl {
				return chunks // already added by a concurrent repair
			}
		}
		return append(chunks, model.ChunkReplica{ChunkIndex: chunkIndex, NodeUrl: targetUrl, ReplicaOrdinal: newOrdinal})
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"component": "reconciler", "fileId": fileID}).WithError(err).Error("failed to persist repaired replica set")
		return
	}
	r.auditLog.Record(audit.Entry{Kind: audit.KindRepairCompleted, FileID: fileID, ChunkIndex: chunkIndex, NodeUrl: targetUrl, Detail: "added new replica"})
}

// readFromVerifiedSource probes each candidate with chunkExists before
// trusting it as a read source, since the metadata entry pointing at it
// may itself be stale.
func (r *Reconciler) readFromVerifiedSource(fileID string, chunkIndex int, candidates []string) (string, []byte, bool) {
	for _, url := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), r.ioTimeout)
		exists, err := r.nodes.ChunkExists(ctx, url, fileID, chunkIndex)
		cancel()
		if err != nil || !exists {
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), r.ioTimeout)
		data, err := r.nodes.ReadChunk(ctx, url, fileID, chunkIndex)
		cancel()
		if err != nil {
			continue
		}
		return url, data, true
	}
	return "", nil, false
}
