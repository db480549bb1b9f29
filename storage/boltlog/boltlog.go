// Package boltlog is the durable storage.Adapter backing the dispatcher in
// production: a go.etcd.io/bbolt database file holding one bucket of
// offset->payload records per (topic_id, group_id), plus a single "commits"
// bucket mapping the same key to its last committed offset.
//
// bbolt gives us exactly what the commit protocol in spec.md §4.3 needs:
// a single-writer, crash-safe B+tree where a commit is one transaction, so
// "idempotent, eventually durable" falls out of bbolt's own guarantees
// rather than anything this package has to invent.
package boltlog

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/storage"
)

var (
	recordsRoot = []byte("records")
	commitsRoot = []byte("commits")
)

// Store is a bbolt-backed storage.Adapter.
type Store struct {
	db *bolt.DB
}

var _ storage.Adapter = (*Store)(nil)

// Open creates or opens a bbolt database file at path and ensures its root
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsRoot); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(commitsRoot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltlog: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func groupKey(topicID, groupID string) []byte {
	return []byte(topicID + "\x00" + groupID)
}

func offsetKey(offset uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], offset)
	return b[:]
}

// AppendRecord writes a record to the log for (topicID, groupID). In the
// real broker this is driven by the ingest path, not the dispatcher; tests
// and the standalone daemon use it directly to seed data.
func (s *Store) AppendRecord(topicID, groupID string, rec model.LogRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(recordsRoot)
		b, err := root.CreateBucketIfNotExists(groupKey(topicID, groupID))
		if err != nil {
			return err
		}
		return b.Put(offsetKey(rec.Offset), rec.Payload)
	})
}

// ReadTopicMessage implements storage.Adapter.
func (s *Store) ReadTopicMessage(_ context.Context, topicID, groupID string, maxRecords int) ([]model.LogRecord, error) {
	var out []model.LogRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(recordsRoot)
		b := root.Bucket(groupKey(topicID, groupID))
		if b == nil {
			return nil
		}

		committed, _, err := s.committedOffsetLocked(tx, topicID, groupID)
		if err != nil {
			return err
		}

		c := b.Cursor()
		start := offsetKey(committed + 1)
		for k, v := c.Seek(start); k != nil && len(out) < maxRecords; k, v = c.Next() {
			out = append(out, model.LogRecord{
				Offset:  binary.BigEndian.Uint64(k),
				Payload: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}

// CommitOffset implements storage.Adapter. Idempotent: a non-increasing
// offset is a no-op (spec.md P6).
func (s *Store) CommitOffset(_ context.Context, topicID, groupID string, offset uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(commitsRoot)
		current, ok, err := s.committedOffsetLocked(tx, topicID, groupID)
		if err != nil {
			return err
		}
		if ok && offset <= current {
			return nil
		}
		return b.Put(groupKey(topicID, groupID), offsetKey(offset))
	})
}

// CommittedOffset implements storage.Adapter.
func (s *Store) CommittedOffset(_ context.Context, topicID, groupID string) (uint64, bool, error) {
	var off uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		off, ok, err = s.committedOffsetLocked(tx, topicID, groupID)
		return err
	})
	return off, ok, err
}

func (s *Store) committedOffsetLocked(tx *bolt.Tx, topicID, groupID string) (uint64, bool, error) {
	b := tx.Bucket(commitsRoot)
	v := b.Get(groupKey(topicID, groupID))
	if v == nil {
		return 0, false, nil
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("boltlog: corrupt commit record for %s/%s", topicID, groupID)
	}
	return binary.BigEndian.Uint64(v), true, nil
}
