// Package store implements the Metadata Store: the in-memory file->chunks
// map, its ordered on-disk snapshot, and the write-temp-then-atomic-rename
// persistence pattern. The store is the exclusive owner of every File and
// ChunkReplica in the system — every other component reads a defensive
// copy and submits mutations back through this package.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/coorderr"
	"github.com/jaywantadh/chunkmaster/internal/model"
)

// Store is the coordinator's authoritative metadata store. Readers take a
// shared lock; mutations take the exclusive lock for the in-memory update
// and hold it across the synchronous persist call, so a successful
// mutation is always durable before it returns.
type Store struct {
	mu           sync.RWMutex
	files        map[string]*model.File
	metadataDir  string
	primaryPath  string
	backupRetain int

	persistenceHealthy bool
}

// Option configures backup retention behavior.
type Option func(*Store)

// WithBackupRetain overrides the number of compressed snapshot generations
// kept under metadataDir/backups.
func WithBackupRetain(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.backupRetain = n
		}
	}
}

// Open loads the primary snapshot from metadataDir if present, or starts
// empty. A missing directory is created; a malformed existing snapshot is
// a fatal error — per spec, the operator must intervene rather than have
// the coordinator silently discard divergent state.
func Open(metadataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	s := &Store{
		files:              make(map[string]*model.File),
		metadataDir:        metadataDir,
		primaryPath:        filepath.Join(metadataDir, "metadata.json"),
		backupRetain:       5,
		persistenceHealthy: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(s.primaryPath)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("component", "store").Info("no existing metadata snapshot, starting empty")
			return s, nil
		}
		logrus.WithField("component", "store").WithError(err).Error("failed to read metadata snapshot")
		s.persistenceHealthy = false
		return s, nil
	}
	if len(data) == 0 {
		return s, nil
	}

	var files map[string]*model.File
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("metadata snapshot at %s is malformed, refusing to start: %w", s.primaryPath, err)
	}
	s.files = files
	logrus.WithField("component", "store").WithField("files", len(files)).Info("loaded metadata snapshot")
	return s, nil
}

// PersistenceHealthy reports whether the most recent snapshot write
// succeeded. Surfaced by the /health endpoint.
func (s *Store) PersistenceHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistenceHealthy
}

// Put inserts or replaces the file, then persists.
func (s *Store) Put(f *model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.FileID] = f.Clone()
	return s.persistLocked()
}

// Get returns a defensive copy of the file, or NotFound.
func (s *Store) Get(fileID string) (*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, coorderr.NotFound(fmt.Sprintf("file %q not found", fileID))
	}
	return f.Clone(), nil
}

// List returns a snapshot of all files.
func (s *Store) List() []*model.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Delete removes fileID, returning whether it existed. A missing file is a
// no-op that reports false, not an error.
func (s *Store) Delete(fileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return false, nil
	}
	delete(s.files, fileID)
	if err := s.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// UpdateChunks applies mutator to fileID's chunk list under the store's
// write lock, then persists. mutator receives the current replica slice
// and returns the replacement.
func (s *Store) UpdateChunks(fileID string, mutator func([]model.ChunkReplica) []model.ChunkReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return coorderr.NotFound(fmt.Sprintf("file %q not found", fileID))
	}
	f.Chunks = mutator(f.Chunks)
	return s.persistLocked()
}

// persistLocked serializes the entire map to a sibling temp file, fsyncs
// it, then renames it over the primary. Must be called with s.mu held for
// writing. On failure the in-memory change is kept (per spec's open-question
// decision: log and continue, mark unhealthy) — never rolled back.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.files, "", "  ")
	if err != nil {
		s.persistenceHealthy = false
		logrus.WithField("component", "store").WithError(err).Error("failed to marshal metadata snapshot")
		return coorderr.Persistence("marshal metadata snapshot", err)
	}

	tmp, err := os.CreateTemp(s.metadataDir, "metadata-*.tmp")
	if err != nil {
		s.persistenceHealthy = false
		logrus.WithField("component", "store").WithError(err).Error("failed to create temp snapshot file")
		return coorderr.Persistence("create temp snapshot", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.persistenceHealthy = false
		logrus.WithField("component", "store").WithError(err).Error("failed to write temp snapshot file")
		return coorderr.Persistence("write temp snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.persistenceHealthy = false
		logrus.WithField("component", "store").WithError(err).Error("failed to fsync temp snapshot file")
		return coorderr.Persistence("fsync temp snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.persistenceHealthy = false
		return coorderr.Persistence("close temp snapshot", err)
	}

	s.backupPrimaryLocked()

	if err := os.Rename(tmpPath, s.primaryPath); err != nil {
		os.Remove(tmpPath)
		s.persistenceHealthy = false
		logrus.WithField("component", "store").WithError(err).Error("failed to rename metadata snapshot into place")
		return coorderr.Persistence("rename temp snapshot", err)
	}

	s.persistenceHealthy = true
	return nil
}

// backupPrimaryLocked LZ4-compresses the current primary snapshot (if any)
// into metadataDir/backups before it is overwritten, then trims old
// generations beyond backupRetain. Purely a forensic aid; failures here
// are logged and never block the real persist.
func (s *Store) backupPrimaryLocked() {
	existing, err := os.ReadFile(s.primaryPath)
	if err != nil {
		return // nothing to back up yet
	}

	backupDir := filepath.Join(s.metadataDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		logrus.WithField("component", "store").WithError(err).Warn("failed to create backup dir")
		return
	}

	name := fmt.Sprintf("metadata-%d.json.lz4", time.Now().UnixNano())
	path := filepath.Join(backupDir, name)
	out, err := os.Create(path)
	if err != nil {
		logrus.WithField("component", "store").WithError(err).Warn("failed to create snapshot backup")
		return
	}
	defer out.Close()

	w := lz4.NewWriter(out)
	if _, err := w.Write(existing); err != nil {
		logrus.WithField("component", "store").WithError(err).Warn("failed to compress snapshot backup")
		return
	}
	if err := w.Close(); err != nil {
		logrus.WithField("component", "store").WithError(err).Warn("failed to finalize snapshot backup")
		return
	}

	s.trimBackups(backupDir)
}

func (s *Store) trimBackups(backupDir string) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	if len(entries) <= s.backupRetain {
		return
	}
	for _, e := range entries[:len(entries)-s.backupRetain] {
		os.Remove(filepath.Join(backupDir, e.Name()))
	}
}
