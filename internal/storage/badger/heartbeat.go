package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const heartbeatPrefix = "worker:heartbeat:"

// Heartbeat is one worker slot's liveness record.
type Heartbeat struct {
	WorkerID   string    `json:"worker_id"`
	Slot       int       `json:"slot"`
	BeatAt     time.Time `json:"beat_at"`
	JobsDone   int       `json:"jobs_done"`
	CurrentJob string    `json:"current_job,omitempty"`
}

// HeartbeatStore persists worker slot heartbeats in Badger so the health
// endpoint can judge worker freshness even when the API and worker run in
// separate processes against the same store. Entries expire on their own,
// so a dead worker disappears rather than reporting stale forever.
type HeartbeatStore struct {
	db  *BadgerDB
	ttl time.Duration
}

// NewHeartbeatStore creates a HeartbeatStore whose entries expire after ttl.
func NewHeartbeatStore(db *BadgerDB, ttl time.Duration) *HeartbeatStore {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &HeartbeatStore{db: db, ttl: ttl}
}

func heartbeatKey(workerID string, slot int) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", heartbeatPrefix, workerID, slot))
}

// Beat records a heartbeat for one worker slot.
func (s *HeartbeatStore) Beat(ctx context.Context, hb Heartbeat) error {
	hb.BeatAt = time.Now()
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return s.db.Badger().Update(func(tx *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(heartbeatKey(hb.WorkerID, hb.Slot), data).WithTTL(s.ttl)
		return tx.SetEntry(entry)
	})
}

// List returns all live heartbeats.
func (s *HeartbeatStore) List(ctx context.Context) ([]Heartbeat, error) {
	var beats []Heartbeat
	err := s.db.Badger().View(func(tx *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := []byte(heartbeatPrefix)
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var hb Heartbeat
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &hb)
			})
			if err != nil {
				key := string(it.Item().Key())
				return fmt.Errorf("corrupt heartbeat at %s: %w", strings.TrimPrefix(key, heartbeatPrefix), err)
			}
			beats = append(beats, hb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return beats, nil
}

// ActiveOn reports whether a heartbeat newer than maxAge names jobID as
// the slot's current job.
func (s *HeartbeatStore) ActiveOn(ctx context.Context, jobID string, maxAge time.Duration) (bool, error) {
	beats, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, hb := range beats {
		if hb.CurrentJob == jobID && hb.BeatAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// Fresh reports whether any heartbeat is newer than maxAge.
func (s *HeartbeatStore) Fresh(ctx context.Context, maxAge time.Duration) (bool, error) {
	beats, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, hb := range beats {
		if hb.BeatAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}
