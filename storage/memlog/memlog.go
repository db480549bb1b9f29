// Package memlog is an in-memory storage.Adapter used by dispatcher and
// supervisor tests; it trades durability for letting tests construct an
// exact sequence of records without standing up a real database file.
package memlog

import (
	"context"
	"sort"
	"sync"

	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/storage"
)

type topicLog struct {
	mu      sync.Mutex
	records []model.LogRecord
	offsets map[string]uint64
}

// Store is a process-local, mutex-guarded storage.Adapter.
type Store struct {
	mu     sync.Mutex
	topics map[string]*topicLog
}

var _ storage.Adapter = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{topics: make(map[string]*topicLog)}
}

func (s *Store) log(topicID string) *topicLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.topics[topicID]
	if !ok {
		l = &topicLog{offsets: make(map[string]uint64)}
		s.topics[topicID] = l
	}
	return l
}

// Append adds a record to topicID's log, for use by tests that need to seed
// data before running a dispatcher against it.
func (s *Store) Append(topicID string, rec model.LogRecord) {
	l := s.log(topicID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	sort.Slice(l.records, func(i, j int) bool { return l.records[i].Offset < l.records[j].Offset })
}

// ReadTopicMessage implements storage.Adapter.
func (s *Store) ReadTopicMessage(_ context.Context, topicID, groupID string, maxRecords int) ([]model.LogRecord, error) {
	l := s.log(topicID)
	l.mu.Lock()
	defer l.mu.Unlock()

	committed := l.offsets[groupID]
	out := make([]model.LogRecord, 0, maxRecords)
	for _, r := range l.records {
		if len(out) >= maxRecords {
			break
		}
		if r.Offset <= committed {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// CommitOffset implements storage.Adapter.
func (s *Store) CommitOffset(_ context.Context, topicID, groupID string, offset uint64) error {
	l := s.log(topicID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset > l.offsets[groupID] {
		l.offsets[groupID] = offset
	}
	return nil
}

// CommittedOffset implements storage.Adapter.
func (s *Store) CommittedOffset(_ context.Context, topicID, groupID string) (uint64, bool, error) {
	l := s.log(topicID)
	l.mu.Lock()
	defer l.mu.Unlock()
	off, ok := l.offsets[groupID]
	return off, ok, nil
}
