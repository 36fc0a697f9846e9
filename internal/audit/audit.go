// Package audit persists a durable, best-effort trail of integrity-relevant
// actions — repairs, trims, tamper detections — for operator forensics.
// It is deliberately not part of the Metadata Store's correctness surface:
// a failed audit write is logged and ignored, never propagated to the
// caller performing the repair or trim it describes.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind enumerates the actions worth auditing.
type Kind string

const (
	KindRepairStarted   Kind = "repair_started"
	KindRepairCompleted Kind = "repair_completed"
	KindRepairFailed    Kind = "repair_failed"
	KindTrimCompleted   Kind = "trim_completed"
	KindTamperDetected  Kind = "tamper_detected"
)

// Entry is one audit record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"kind"`
	FileID     string    `json:"fileId,omitempty"`
	ChunkIndex int       `json:"chunkIndex,omitempty"`
	NodeUrl    string    `json:"nodeUrl,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Log is an append-only, timestamp-ordered audit trail backed by an
// embedded BadgerDB instance (the teacher repository's metadata-store
// dependency, repurposed here as a secondary log rather than the primary
// store).
type Log struct {
	db  *badger.DB
	seq uint64

	mu     sync.Mutex
	counts map[Kind]int64
}

// Open opens (or creates) the audit log at dir.
func Open(dir string) (*Log, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Log{db: db, counts: make(map[Kind]int64)}, nil
}

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends an entry. Failures are logged and swallowed — recording
// an audit trail must never fail the operation it describes.
func (l *Log) Record(e Entry) {
	if l == nil || l.db == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	l.mu.Lock()
	l.counts[e.Kind]++
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(e.Timestamp.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)

	val, err := json.Marshal(e)
	if err != nil {
		logrus.WithField("component", "audit").WithError(err).Warn("failed to marshal audit entry")
		return
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		logrus.WithField("component", "audit").WithError(err).Warn("failed to persist audit entry")
	}
}

// Counts returns the lifetime count of each audited kind, for the /stats
// endpoint's counters.
func (l *Log) Counts() map[Kind]int64 {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Kind]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Tail returns the most recent n entries, newest first.
func (l *Log) Tail(n int) []Entry {
	if l == nil || l.db == nil || n <= 0 {
		return nil
	}

	var out []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < n; it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logrus.WithField("component", "audit").WithError(err).Warn("failed to read audit log")
	}
	return out
}
