package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

func TestFirstHeartbeatMarksAliveWithoutRecoveredEvent(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	tr := New(bus, time.Second)

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), nil, model.CapacityMetrics{})
	assert.True(t, tr.IsAlive("http://n1"))

	select {
	case ev := <-ch:
		t.Fatalf("expected no event on first heartbeat, got %#v", ev)
	default:
	}
}

func TestShutdownMarksDeadAndEmitsNodeDown(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	tr := New(bus, time.Second)

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), nil, model.CapacityMetrics{})

	tr.Heartbeat("http://n1", "node-1", StatusShutdown, time.Now(), nil, model.CapacityMetrics{})
	assert.False(t, tr.IsAlive("http://n1"))

	ev := <-ch
	down, ok := ev.(events.NodeDown)
	require.True(t, ok)
	assert.Equal(t, "http://n1", down.Url)
}

func TestRecoveryAfterDeathEmitsNodeRecovered(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	tr := New(bus, time.Second)

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), nil, model.CapacityMetrics{})
	tr.Heartbeat("http://n1", "node-1", StatusShutdown, time.Now(), nil, model.CapacityMetrics{})
	<-ch // NodeDown

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), nil, model.CapacityMetrics{})
	ev := <-ch
	_, ok := ev.(events.NodeRecovered)
	require.True(t, ok)
	assert.True(t, tr.IsAlive("http://n1"))
}

func TestInventoryRemovalEmitsInventoryChanged(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	tr := New(bus, time.Second)

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), map[string][]int{"f1": {0, 1, 2}}, model.CapacityMetrics{})
	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), map[string][]int{"f1": {0, 2}}, model.CapacityMetrics{})

	ev := <-ch
	changed, ok := ev.(events.InventoryChanged)
	require.True(t, ok)
	require.Len(t, changed.Removed, 1)
	assert.Equal(t, model.ChunkRef{FileID: "f1", ChunkIndex: 1}, changed.Removed[0])
}

func TestCheckTimeoutsMarksDead(t *testing.T) {
	bus := events.NewBus(8)
	ch := bus.Subscribe()
	tr := New(bus, 10*time.Millisecond)

	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now().Add(-time.Hour), nil, model.CapacityMetrics{})
	tr.CheckTimeouts()

	assert.False(t, tr.IsAlive("http://n1"))
	ev := <-ch
	_, ok := ev.(events.NodeDown)
	require.True(t, ok)
}

func TestCountsReportsAliveAndTotal(t *testing.T) {
	tr := New(nil, time.Second)
	tr.Heartbeat("http://n1", "node-1", StatusUp, time.Now(), nil, model.CapacityMetrics{})
	tr.Heartbeat("http://n2", "node-2", StatusUp, time.Now(), nil, model.CapacityMetrics{})
	tr.Heartbeat("http://n2", "node-2", StatusShutdown, time.Now(), nil, model.CapacityMetrics{})

	alive, total := tr.Counts()
	assert.Equal(t, 1, alive)
	assert.Equal(t, 2, total)
}
