// Package placement implements the Placement Planner: it selects target
// nodes for new writes and filters existing placements down to currently
// alive replicas for reads.
package placement

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/coorderr"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// AliveLister is the subset of the Liveness Tracker the planner needs.
type AliveLister interface {
	AliveUrls() []string
	IsAlive(url string) bool
}

// FileStore is the subset of the Metadata Store the planner needs.
type FileStore interface {
	Put(f *model.File) error
	Get(fileID string) (*model.File, error)
}

type Planner struct {
	liveness          AliveLister
	store             FileStore
	chunkSizeBytes    int64
	replicationFactor int
	minReplicas       int
	rand              *rand.Rand
}

func New(liveness AliveLister, store FileStore, chunkSizeBytes int64, replicationFactor, minReplicas int) *Planner {
	return &Planner{
		liveness:          liveness,
		store:             store,
		chunkSizeBytes:    chunkSizeBytes,
		replicationFactor: replicationFactor,
		minReplicas:       minReplicas,
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlanUpload selects replica placements for a new file of the given size
// and persists the resulting File.
func (p *Planner) PlanUpload(fileID string, size int64) (*model.File, error) {
	live := p.liveness.AliveUrls()
	if len(live) == 0 {
		return nil, coorderr.NoCapacity("no alive nodes to place chunks on")
	}

	target := p.replicationFactor
	if len(live) < target {
		target = len(live)
	}
	if target < p.minReplicas {
		return nil, coorderr.NoCapacity("insufficient alive nodes to meet minimum replication")
	}
	if target < p.replicationFactor {
		logrus.WithFields(logrus.Fields{
			"component": "placement",
			"fileId":    fileID,
			"target":    target,
			"want":      p.replicationFactor,
		}).Warn("planning upload in degraded mode, fewer replicas than replication factor")
	}

	numChunks := model.NumChunks(size, p.chunkSizeBytes)
	f := &model.File{FileID: fileID, Size: size, Timestamp: time.Now()}

	for idx := 0; idx < numChunks; idx++ {
		selected := p.shuffleTruncate(live, target)
		for ord, url := range selected {
			f.Chunks = append(f.Chunks, model.ChunkReplica{
				ChunkIndex:     idx,
				NodeUrl:        url,
				ReplicaOrdinal: ord,
			})
		}
	}

	if err := p.store.Put(f); err != nil {
		return nil, err
	}
	return f, nil
}

// shuffleTruncate returns a uniformly random permutation of live truncated
// to n entries, avoiding placement hot-spots under churn.
func (p *Planner) shuffleTruncate(live []string, n int) []string {
	shuffled := make([]string, len(live))
	copy(shuffled, live)
	p.rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// FilterForRead loads fileID and drops every replica whose node is not
// currently alive, failing if any chunk index is left with zero replicas.
func (p *Planner) FilterForRead(fileID string) (*model.File, error) {
	f, err := p.store.Get(fileID)
	if err != nil {
		return nil, err
	}

	numChunks := model.NumChunks(f.Size, p.chunkSizeBytes)
	filtered := make([]model.ChunkReplica, 0, len(f.Chunks))
	liveCount := make(map[int]int, numChunks)
	for _, c := range f.Chunks {
		if p.liveness.IsAlive(c.NodeUrl) {
			filtered = append(filtered, c)
			liveCount[c.ChunkIndex]++
		}
	}

	for idx := 0; idx < numChunks; idx++ {
		if liveCount[idx] == 0 {
			return nil, coorderr.DataUnavailable(chunkUnavailableMessage(fileID, idx))
		}
	}

	f.Chunks = filtered
	return f, nil
}

func chunkUnavailableMessage(fileID string, chunkIndex int) string {
	return fmt.Sprintf("chunk %d of file %s has no live replicas", chunkIndex, fileID)
}
