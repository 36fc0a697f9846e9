// Package replication implements the Re-replication Loop: a periodic scan
// of every file that starts repairs for under-replicated chunks and trims
// over-replicated ones, bounded to MAX_CONCURRENT_REPAIRS simultaneous
// file-level repairs.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// FileStore is the subset of the Metadata Store the loop needs.
type FileStore interface {
	List() []*model.File
	Get(fileID string) (*model.File, error)
	UpdateChunks(fileID string, mutator func([]model.ChunkReplica) []model.ChunkReplica) error
}

// AliveLister is the subset of the Liveness Tracker the loop needs.
type AliveLister interface {
	AliveUrls() []string
}

// NodeClient is the subset of the node HTTP client the loop needs.
type NodeClient interface {
	ReadChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) ([]byte, error)
	WriteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int, data []byte) error
	DeleteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) error
}

// Loop is the Re-replication Loop.
type Loop struct {
	store             FileStore
	liveness          AliveLister
	nodes             NodeClient
	auditLog          *audit.Log
	chunkSizeBytes    int64
	replicationFactor int
	minReplicationFlr int
	cooldown          time.Duration
	readTimeout       time.Duration

	sem *semaphore.Weighted

	mu             sync.Mutex
	inFlight       map[string]bool
	lastRepairTime map[string]time.Time
}

func New(store FileStore, liveness AliveLister, nodes NodeClient, auditLog *audit.Log,
	chunkSizeBytes int64, replicationFactor, minReplicationFloor, maxConcurrentRepairs int,
	cooldown, readTimeout time.Duration) *Loop {
	return &Loop{
		store:             store,
		liveness:          liveness,
		nodes:             nodes,
		auditLog:          auditLog,
		chunkSizeBytes:    chunkSizeBytes,
		replicationFactor: replicationFactor,
		minReplicationFlr: minReplicationFloor,
		cooldown:          cooldown,
		readTimeout:       readTimeout,
		sem:               semaphore.NewWeighted(int64(maxConcurrentRepairs)),
		inFlight:          make(map[string]bool),
		lastRepairTime:    make(map[string]time.Time),
	}
}

type fileStat struct {
	file        *model.File
	minReplicas int
	maxReplicas int
}

// Tick runs one pass of the algorithm: snapshot liveness, classify every
// file as degraded/over-replicated/fine, and dispatch bounded async
// repair/trim tasks. Tick itself never blocks on a repair finishing.
func (l *Loop) Tick() {
	live := l.liveness.AliveUrls()
	if len(live) < 2 {
		return // repair would yield no improvement
	}
	liveSet := mapset.NewThreadUnsafeSet(live...)

	files := l.store.List()
	var degraded, overReplicated []fileStat
	for _, f := range files {
		min, max := l.replicaStats(f, liveSet)
		if min < l.replicationFactor {
			degraded = append(degraded, fileStat{f, min, max})
		}
		if max > l.replicationFactor+1 {
			overReplicated = append(overReplicated, fileStat{f, min, max})
		}
	}

	sort.Slice(degraded, func(i, j int) bool { return degraded[i].minReplicas < degraded[j].minReplicas })

	for _, fs := range degraded {
		if !l.sem.TryAcquire(1) {
			break
		}
		if !l.reserve(fs.file.FileID) {
			l.sem.Release(1)
			continue
		}
		go l.runRepair(fs.file.FileID)
	}

	now := time.Now()
	for _, fs := range overReplicated {
		if l.inCooldown(fs.file.FileID, now) {
			continue
		}
		if !l.sem.TryAcquire(1) {
			continue
		}
		if !l.reserve(fs.file.FileID) {
			l.sem.Release(1)
			continue
		}
		go l.runTrim(fs.file.FileID)
	}
}

func (l *Loop) replicaStats(f *model.File, liveSet mapset.Set[string]) (min, max int) {
	numChunks := model.NumChunks(f.Size, l.chunkSizeBytes)
	if numChunks == 0 {
		return 0, 0
	}
	byIndex := f.ChunksByIndex()
	min = -1
	for idx := 0; idx < numChunks; idx++ {
		count := 0
		for _, c := range byIndex[idx] {
			if liveSet.Contains(c.NodeUrl) {
				count++
			}
		}
		if min == -1 || count < min {
			min = count
		}
		if count > max {
			max = count
		}
	}
	return min, max
}

func (l *Loop) reserve(fileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[fileID] {
		return false
	}
	l.inFlight[fileID] = true
	return true
}

func (l *Loop) release(fileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, fileID)
	l.sem.Release(1)
}

func (l *Loop) inCooldown(fileID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastRepairTime[fileID]
	return ok && now.Sub(last) < l.cooldown
}

func (l *Loop) markRepaired(fileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRepairTime[fileID] = time.Now()
}

func (l *Loop) log() *logrus.Entry {
	return logrus.WithField("component", "replication")
}

// runRepair brings every chunk of fileID back up to the replication
// factor, using only currently alive replicas as sources and targets.
func (l *Loop) runRepair(fileID string) {
	defer l.release(fileID)

	f, err := l.store.Get(fileID)
	if err != nil {
		l.log().WithField("fileId", fileID).WithError(err).Warn("repair: file vanished before run")
		return
	}

	live := l.liveness.AliveUrls()
	liveSet := mapset.NewThreadUnsafeSet(live...)
	sort.Strings(live)

	numChunks := model.NumChunks(f.Size, l.chunkSizeBytes)
	byIndex := f.ChunksByIndex()

	var newReplicas []model.ChunkReplica
	for idx := 0; idx < numChunks; idx++ {
		existing := byIndex[idx]
		liveReplicas := make([]model.ChunkReplica, 0, len(existing))
		holders := mapset.NewThreadUnsafeSet[string]()
		maxOrdinal := -1
		for _, c := range existing {
			if liveSet.Contains(c.NodeUrl) {
				liveReplicas = append(liveReplicas, c)
				holders.Add(c.NodeUrl)
			}
			if c.ReplicaOrdinal > maxOrdinal {
				maxOrdinal = c.ReplicaOrdinal
			}
		}

		missing := l.replicationFactor - len(liveReplicas)
		if missing <= 0 {
			continue
		}

		var targets []string
		for _, url := range live {
			if len(targets) >= missing {
				break
			}
			if !holders.Contains(url) {
				targets = append(targets, url)
			}
		}
		if len(targets) == 0 {
			continue
		}

		data, source, ok := l.readFromAnySource(fileID, idx, liveReplicas)
		if !ok {
			l.auditLog.Record(audit.Entry{Kind: audit.KindRepairFailed, FileID: fileID, ChunkIndex: idx, Detail: "no readable source replica"})
			continue
		}
		l.auditLog.Record(audit.Entry{Kind: audit.KindRepairStarted, FileID: fileID, ChunkIndex: idx, NodeUrl: source})

		for _, target := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), l.readTimeout)
			err := l.nodes.WriteChunk(ctx, target, fileID, idx, data)
			cancel()
			if err != nil {
				l.log().WithFields(logrus.Fields{"fileId": fileID, "chunkIndex": idx, "target": target}).WithError(err).Warn("repair: write to target failed")
				continue
			}
			maxOrdinal++
			newReplicas = append(newReplicas, model.ChunkReplica{ChunkIndex: idx, NodeUrl: target, ReplicaOrdinal: maxOrdinal})
		}
	}

	if len(newReplicas) > 0 {
		err := l.store.UpdateChunks(fileID, func(chunks []model.ChunkReplica) []model.ChunkReplica {
			return append(chunks, newReplicas...)
		})
		if err != nil {
			l.log().WithField("fileId", fileID).WithError(err).Error("repair: failed to persist new replicas")
		}
		l.auditLog.Record(audit.Entry{Kind: audit.KindRepairCompleted, FileID: fileID, Detail: "repaired replicas"})
	}
	l.markRepaired(fileID)
}

// readFromAnySource tries each live replica in turn until one returns
// data, per the failure-handling policy: a transient read error falls
// through to the next candidate.
func (l *Loop) readFromAnySource(fileID string, chunkIndex int, candidates []model.ChunkReplica) ([]byte, string, bool) {
	for _, c := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), l.readTimeout)
		data, err := l.nodes.ReadChunk(ctx, c.NodeUrl, fileID, chunkIndex)
		cancel()
		if err == nil {
			return data, c.NodeUrl, true
		}
		l.log().WithFields(logrus.Fields{"fileId": fileID, "chunkIndex": chunkIndex, "source": c.NodeUrl}).WithError(err).Warn("repair: source read failed, trying next")
	}
	return nil, "", false
}

// runTrim deletes surplus live replicas down to the replication factor,
// preferring to keep the lowest replica ordinals, and never trimming
// below the minimum replication floor.
func (l *Loop) runTrim(fileID string) {
	defer l.release(fileID)

	f, err := l.store.Get(fileID)
	if err != nil {
		l.log().WithField("fileId", fileID).WithError(err).Warn("trim: file vanished before run")
		return
	}

	live := l.liveness.AliveUrls()
	liveSet := mapset.NewThreadUnsafeSet(live...)

	numChunks := model.NumChunks(f.Size, l.chunkSizeBytes)
	byIndex := f.ChunksByIndex()

	toRemove := make(map[int]map[string]bool) // chunkIndex -> nodeUrl -> remove
	for idx := 0; idx < numChunks; idx++ {
		existing := byIndex[idx]
		liveReplicas := make([]model.ChunkReplica, 0, len(existing))
		for _, c := range existing {
			if liveSet.Contains(c.NodeUrl) {
				liveReplicas = append(liveReplicas, c)
			}
		}
		if len(liveReplicas) <= l.replicationFactor || len(liveReplicas) < l.minReplicationFlr {
			continue
		}

		sort.Slice(liveReplicas, func(i, j int) bool { return liveReplicas[i].ReplicaOrdinal < liveReplicas[j].ReplicaOrdinal })
		excess := liveReplicas[l.replicationFactor:]
		set := make(map[string]bool, len(excess))
		for _, c := range excess {
			set[c.NodeUrl] = true
		}
		toRemove[idx] = set
	}

	if len(toRemove) == 0 {
		return
	}

	for idx, nodes := range toRemove {
		for url := range nodes {
			ctx, cancel := context.WithTimeout(context.Background(), l.readTimeout)
			if err := l.nodes.DeleteChunk(ctx, url, fileID, idx); err != nil {
				l.log().WithFields(logrus.Fields{"fileId": fileID, "chunkIndex": idx, "node": url}).WithError(err).Warn("trim: delete failed")
			}
			cancel()
		}
	}

	err = l.store.UpdateChunks(fileID, func(chunks []model.ChunkReplica) []model.ChunkReplica {
		kept := make([]model.ChunkReplica, 0, len(chunks))
		for _, c := range chunks {
			if nodes, ok := toRemove[c.ChunkIndex]; ok && nodes[c.NodeUrl] {
				continue
			}
			kept = append(kept, c)
		}
		return kept
	})
	if err != nil {
		l.log().WithField("fileId", fileID).WithError(err).Error("trim: failed to persist removal")
		return
	}
	l.auditLog.Record(audit.Entry{Kind: audit.KindTrimCompleted, FileID: fileID, Detail: "trimmed over-replicated chunks"})
}
