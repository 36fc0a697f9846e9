package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkmaster/internal/coorderr"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

type fakeLiveness struct {
	alive map[string]bool
}

func (f *fakeLiveness) AliveUrls() []string {
	var out []string
	for u, ok := range f.alive {
		if ok {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeLiveness) IsAlive(url string) bool { return f.alive[url] }

type fakeStore struct {
	files map[string]*model.File
}

func newFakeStore() *fakeStore { return &fakeStore{files: map[string]*model.File{}} }

func (f *fakeStore) Put(file *model.File) error {
	f.files[file.FileID] = file
	return nil
}

func (f *fakeStore) Get(fileID string) (*model.File, error) {
	file, ok := f.files[fileID]
	if !ok {
		return nil, coorderr.NotFound("not found")
	}
	return file, nil
}

func TestPlanUploadDistributesAcrossAliveNodes(t *testing.T) {
	live := &fakeLiveness{alive: map[string]bool{"http://n1": true, "http://n2": true, "http://n3": true}}
	store := newFakeStore()
	p := New(live, store, 10, 3, 1)

	f, err := p.PlanUpload("f1", 25) // 3 chunks
	require.NoError(t, err)
	assert.Equal(t, 3, model.NumChunks(f.Size, 10))

	byIndex := f.ChunksByIndex()
	for idx := 0; idx < 3; idx++ {
		assert.Len(t, byIndex[idx], 3)
		seen := map[string]bool{}
		for _, c := range byIndex[idx] {
			assert.False(t, seen[c.NodeUrl], "chunk %d placed twice on %s", idx, c.NodeUrl)
			seen[c.NodeUrl] = true
		}
	}
}

func TestPlanUploadDegradesBelowReplicationFactor(t *testing.T) {
	live := &fakeLiveness{alive: map[string]bool{"http://n1": true}}
	store := newFakeStore()
	p := New(live, store, 10, 3, 1)

	f, err := p.PlanUpload("f1", 10)
	require.NoError(t, err)
	assert.Len(t, f.Chunks, 1)
}

func TestPlanUploadFailsBelowMinReplicas(t *testing.T) {
	live := &fakeLiveness{alive: map[string]bool{}}
	store := newFakeStore()
	p := New(live, store, 10, 3, 1)

	_, err := p.PlanUpload("f1", 10)
	require.Error(t, err)
	cerr, ok := err.(*coorderr.Error)
	require.True(t, ok)
	assert.Equal(t, coorderr.KindNoCapacity, cerr.Kind)
}

func TestFilterForReadDropsDeadReplicas(t *testing.T) {
	live := &fakeLiveness{alive: map[string]bool{"http://n1": true}}
	store := newFakeStore()
	store.files["f1"] = &model.File{FileID: "f1", Size: 10, Chunks: []model.ChunkReplica{
		{ChunkIndex: 0, NodeUrl: "http://n1"},
		{ChunkIndex: 0, NodeUrl: "http://n2"},
	}}
	p := New(live, store, 10, 3, 1)

	f, err := p.FilterForRead("f1")
	require.NoError(t, err)
	assert.Len(t, f.Chunks, 1)
	assert.Equal(t, "http://n1", f.Chunks[0].NodeUrl)
}

func TestFilterForReadFailsWhenChunkHasNoLiveReplicas(t *testing.T) {
	live := &fakeLiveness{alive: map[string]bool{}}
	store := newFakeStore()
	store.files["f1"] = &model.File{FileID: "f1", Size: 10, Chunks: []model.ChunkReplica{
		{ChunkIndex: 0, NodeUrl: "http://n1"},
	}}
	p := New(live, store, 10, 3, 1)

	_, err := p.FilterForRead("f1")
	require.Error(t, err)
	cerr, ok := err.(*coorderr.Error)
	require.True(t, ok)
	assert.Equal(t, coorderr.KindDataUnavailable, cerr.Kind)
}
