package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/liveness"
	"github.com/jaywantadh/chunkmaster/internal/placement"
	"github.com/jaywantadh/chunkmaster/internal/registry"
	"github.com/jaywantadh/chunkmaster/internal/store"
)

type fakeNodes struct {
	deleted []string
	fail    map[string]bool
}

func (f *fakeNodes) DeleteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) error {
	if f.fail[nodeUrl] {
		return assertErr
	}
	f.deleted = append(f.deleted, nodeUrl)
	return nil
}

var assertErr = &simpleErr{"delete failed"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeNodes) {
	t.Helper()
	bus := events.NewBus(16)
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := registry.New(bus)
	l := liveness.New(bus, time.Minute)
	p := placement.New(l, s, 10, 3, 1)
	a, err := audit.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	nodes := &fakeNodes{fail: map[string]bool{}}
	return New(s, r, l, p, a, nodes, time.Second), nodes
}

func TestHeartbeatRejectsUnregisteredNode(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.Heartbeat(HeartbeatRequest{Url: "http://n1", Status: liveness.StatusUp, Timestamp: time.Now()})
	require.Error(t, err)
}

func TestRegisterThenHeartbeatThenUpload(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.RegisterNode("http://n1", "node-1")
	o.RegisterNode("http://n2", "node-2")
	o.RegisterNode("http://n3", "node-3")

	for _, url := range []string{"http://n1", "http://n2", "http://n3"} {
		require.NoError(t, o.Heartbeat(HeartbeatRequest{Url: url, Status: liveness.StatusUp, Timestamp: time.Now()}))
	}

	f, err := o.PlanUpload("f1", 25)
	require.NoError(t, err)
	assert.NotEmpty(t, f.Chunks)

	got, err := o.GetPlacement("f1")
	require.NoError(t, err)
	assert.Equal(t, f.FileID, got.FileID)
}

func TestDeleteFileTalksToEveryReplicaNode(t *testing.T) {
	o, nodes := newTestOrchestrator(t)
	o.RegisterNode("http://n1", "node-1")
	require.NoError(t, o.Heartbeat(HeartbeatRequest{Url: "http://n1", Status: liveness.StatusUp, Timestamp: time.Now()}))

	_, err := o.PlanUpload("f1", 10)
	require.NoError(t, err)

	result, err := o.DeleteFile("f1")
	require.NoError(t, err)
	assert.True(t, result.Existed)
	assert.Equal(t, 1, result.ReplicasDeleted)
	assert.NotEmpty(t, nodes.deleted)

	_, err = o.GetPlacement("f1")
	require.Error(t, err)
}

func TestHealthReflectsLiveNodeCount(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.RegisterNode("http://n1", "node-1")
	require.NoError(t, o.Heartbeat(HeartbeatRequest{Url: "http://n1", Status: liveness.StatusUp, Timestamp: time.Now()}))

	h := o.Health(3)
	assert.Equal(t, "DEGRADED", h.Status)
	assert.False(t, h.CanMaintainReplication)

	h = o.Health(1)
	assert.Equal(t, "HEALTHY", h.Status)
}

func TestStatsIncludesRecentAudits(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.RegisterNode("http://n1", "node-1")
	o.auditLog.Record(audit.Entry{Kind: audit.KindRepairStarted, FileID: "f1"})

	stats := o.Stats()
	assert.Equal(t, 0, stats.TotalFiles)
	require.Len(t, stats.RecentAudits, 1)
	assert.Equal(t, audit.KindRepairStarted, stats.RecentAudits[0].Kind)
}
