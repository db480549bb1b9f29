// Package storage defines the log-read and offset-commit contract the
// dispatcher depends on (spec.md §6), independent of the backing engine.
// Two implementations live alongside it: storage/boltlog (durable,
// go.etcd.io/bbolt-backed) and storage/memlog (in-memory, for tests).
package storage

import (
	"context"

	"github.com/robustmq/sharedispatch/model"
)

// Adapter is the storage contract the dispatcher reads records from and
// commits offsets to. Implementations provide at-least-once read semantics:
// records returned for a (topicID, groupID) pair have monotonic offsets,
// and a read may legitimately return fewer than maxRecords, including zero.
type Adapter interface {
	// ReadTopicMessage returns up to maxRecords records for (topicID,
	// groupID), starting just after the last committed offset.
	ReadTopicMessage(ctx context.Context, topicID, groupID string, maxRecords int) ([]model.LogRecord, error)

	// CommitOffset durably advances the committed offset for (topicID,
	// groupID). It is idempotent: committing an offset less than or equal
	// to the already-committed value is a no-op (spec.md P6).
	CommitOffset(ctx context.Context, topicID, groupID string, offset uint64) error

	// CommittedOffset returns the last committed offset for (topicID,
	// groupID), and whether one has ever been committed.
	CommittedOffset(ctx context.Context, topicID, groupID string) (uint64, bool, error)
}
