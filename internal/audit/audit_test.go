package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndTail(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	log.Record(Entry{Kind: KindRepairStarted, FileID: "f1", ChunkIndex: 0})
	log.Record(Entry{Kind: KindRepairCompleted, FileID: "f1", ChunkIndex: 0})

	entries := log.Tail(10)
	require.Len(t, entries, 2)
	assert.Equal(t, KindRepairCompleted, entries[0].Kind) // newest first
	assert.Equal(t, KindRepairStarted, entries[1].Kind)
}

func TestTailRespectsLimit(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		log.Record(Entry{Kind: KindTrimCompleted, FileID: "f1"})
	}

	entries := log.Tail(2)
	assert.Len(t, entries, 2)
}

func TestCountsTrackLifetimeTotals(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	log.Record(Entry{Kind: KindRepairStarted})
	log.Record(Entry{Kind: KindRepairStarted})
	log.Record(Entry{Kind: KindTrimCompleted})

	counts := log.Counts()
	assert.Equal(t, int64(2), counts[KindRepairStarted])
	assert.Equal(t, int64(1), counts[KindTrimCompleted])
}

func TestNilLogIsSafe(t *testing.T) {
	var log *Log
	assert.NotPanics(t, func() {
		log.Record(Entry{Kind: KindTamperDetected})
		log.Tail(10)
		log.Close()
	})
}
