// Package dispatcher implements the per-(topic, group) task from spec.md
// §4.3: read a batch of log records, round-robin them across a
// shared-subscription group's members, drive the QoS handshake for each
// delivery, and advance the durable offset only once delivery semantics
// allow it.
//
// The overall shape — a single goroutine owning all of its mutable state,
// selecting between a stop signal and one unit of work at a time — is the
// same shape as the teacher library's Client.logicLoop; what differs is the
// unit of work (a read-cycle over a log instead of an incoming packet) and
// that failures rotate to a different subscriber instead of being retried
// against the same peer.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/robustmq/sharedispatch/cache"
	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/observability/metrics"
	"github.com/robustmq/sharedispatch/qosmachine"
	"github.com/robustmq/sharedispatch/registry"
	"github.com/robustmq/sharedispatch/storage"
)

// Poll cadence constants from spec.md §6.
const (
	StorageBackoff        = 500 * time.Millisecond
	EmptySubscriberBackoff = 100 * time.Microsecond
	minRecordBatch         = 100
	maxRecordBatch         = 1000
	recordBatchPerSub      = 5
)

// MessageDecoder turns a raw log payload into the dispatcher's message
// model. A decode failure is treated as a poison-message per spec.md §7.
type MessageDecoder interface {
	Decode(payload []byte) (model.MqttMessage, error)
}

// ConnectionResolver maps a client id to its live connection id, mirroring
// spec.md §4.4's get_connect_id. ok is false if the client has no live
// connection.
type ConnectionResolver interface {
	ConnectionID(clientID string) (string, bool)
}

// Deps bundles the dispatcher's external collaborators.
type Deps struct {
	Registry   *registry.Registry
	Storage    storage.Adapter
	QoS        *qosmachine.Machine
	Acks       *cache.Cache
	Decoder    MessageDecoder
	Conns      ConnectionResolver
	Cluster    model.ClusterConfig
	QoSOptions qosmachine.Options
	Logger     *slog.Logger
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Recorder
}

// Task is one running dispatcher for a single share-leader key.
type Task struct {
	key       model.ShareLeaderKey
	topicID   string
	topicName string
	groupName string
	groupID   string

	deps Deps
	stop <-chan struct{}

	cursor  int
	subList []model.Subscriber
}

// New constructs a dispatcher task for (topicID, topicName, groupName). It
// does not start running until Run is called.
func New(key model.ShareLeaderKey, topicID, topicName, groupName string, stop <-chan struct{}, deps Deps) *Task {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Task{
		key:       key,
		topicID:   topicID,
		topicName: topicName,
		groupName: groupName,
		groupID:   model.GroupID(groupName, topicID),
		deps:      deps,
		stop:      stop,
	}
}

// Run drives the dispatcher until the stop signal fires, at which point it
// removes its own registry entry (idempotent with the supervisor's GC pass)
// and returns.
func (t *Task) Run(ctx context.Context) {
	defer t.deps.Registry.RemoveDispatcher(t.key)

	for {
		select {
		case <-t.stop:
			t.deps.Logger.Debug("dispatcher: stop signal observed", "key", t.key)
			return
		default:
		}

		if t.readCycle(ctx) == cycleStopped {
			t.deps.Logger.Debug("dispatcher: exiting mid read-cycle", "key", t.key)
			return
		}
	}
}

type cycleResult int

const (
	cycleContinue cycleResult = iota
	cycleStopped
)

// readCycle implements spec.md §4.3's "Read cycle": request a batch,
// decode and deliver each record in order, commit as delivery semantics
// allow, and stop the batch outright on either a decode failure (per the
// configured poison policy) or the stop signal.
func (t *Task) readCycle(ctx context.Context) cycleResult {
	recordNum := clamp(len(t.subList)*recordBatchPerSub, minRecordBatch, maxRecordBatch)

	records, err := t.deps.Storage.ReadTopicMessage(ctx, t.topicID, t.groupID, recordNum)
	if err != nil {
		t.deps.Logger.Debug("dispatcher: storage read error", "key", t.key, "error", wrap(KindStorageRead, err))
		return t.sleepOrStop(StorageBackoff)
	}
	if len(records) == 0 {
		return t.sleepOrStop(StorageBackoff)
	}

	for _, rec := range records {
		msg, err := t.deps.Decoder.Decode(rec.Payload)
		if err != nil {
			t.deps.Logger.Debug("dispatcher: poison record, skipping", "key", t.key, "offset", rec.Offset, "error", err)
			if t.deps.Cluster.PoisonPolicy != model.PoisonSkipBatch {
				if cr := t.commitOffset(ctx, rec.Offset); cr == cycleStopped {
					return cycleStopped
				}
			}
			return cycleContinue
		}

		select {
		case <-t.stop:
			return cycleStopped
		default:
		}

		switch t.deliverRecord(ctx, msg, rec.Offset) {
		case recordShutdown:
			return cycleStopped
		case recordCommitted, recordAbandoned:
			// Move on to the next record either way: an abandoned record
			// is not retried within this cycle, per spec.md §4.3.
		}
	}

	return cycleContinue
}

type recordResult int

const (
	recordCommitted recordResult = iota
	recordAbandoned
	recordShutdown
)

// deliverRecord implements spec.md §4.3's "Per-record delivery": rotate the
// round-robin cursor across the group's live subscribers until one accepts
// the record or the attempt budget is exhausted.
func (t *Task) deliverRecord(ctx context.Context, msg model.MqttMessage, offset uint64) recordResult {
	loopTimes := 0

	for {
		select {
		case <-t.stop:
			return recordShutdown
		default:
		}

		if t.cursor >= len(t.subList) {
			t.rebuildSubList()
			t.cursor = 0
		}
		if len(t.subList) == 0 {
			t.rebuildSubList()
			if len(t.subList) == 0 {
				if t.sleepOrStop(EmptySubscriberBackoff) == cycleStopped {
					return recordShutdown
				}
				continue
			}
		}

		limit := t.deps.Cluster.MaxDeliveryAttemptsPerRecord
		if limit <= 0 {
			limit = len(t.subList)
		}
		if loopTimes >= limit {
			t.deps.Logger.Debug("dispatcher: abandoning record after exhausting subscribers", "key", t.key, "offset", offset)
			if t.deps.Metrics != nil {
				t.deps.Metrics.RecordAbandoned(t.topicName, t.groupName)
			}
			return recordAbandoned
		}

		sub := t.subList[t.cursor]
		t.cursor++

		rec, skip := buildPublishRecord(t.deps.Cluster, sub, t.topicName, msg)
		if skip {
			// Redesign guidance (spec.md §9 OQ-1): a nolocal-filtered
			// record is a committed no-op, not a stall.
			return t.finishAsCommitted(ctx, offset)
		}

		if rec.QoS > model.AtMostOnce {
			rec.PacketID = t.deps.Acks.GetPkid(sub.ClientID)
		}

		connID, ok := t.deps.Conns.ConnectionID(sub.ClientID)
		if !ok {
			t.deps.Logger.Debug("dispatcher: subscriber has no live connection", "key", t.key, "client_id", sub.ClientID, "error", wrap(KindNoConnection, nil))
			loopTimes++
			t.recordRetry()
			continue
		}

		switch t.deps.QoS.Deliver(ctx, t.stop, connID, rec, t.deps.QoSOptions) {
		case qosmachine.Delivered:
			return t.finishAsCommitted(ctx, offset)
		case qosmachine.Shutdown:
			return recordShutdown
		case qosmachine.FailedSubscriber:
			loopTimes++
			t.recordRetry()
			continue
		}
	}
}

func (t *Task) finishAsCommitted(ctx context.Context, offset uint64) recordResult {
	if t.commitOffset(ctx, offset) == cycleStopped {
		return recordShutdown
	}
	if t.deps.Metrics != nil {
		t.deps.Metrics.RecordDelivered(t.topicName, t.groupName)
	}
	return recordCommitted
}

// commitOffset retries commit indefinitely, per spec.md §7's
// OffsetCommitError handling: progress is undefined otherwise, so the
// dispatcher intentionally blocks the group rather than silently dropping
// a committed record.
func (t *Task) commitOffset(ctx context.Context, offset uint64) cycleResult {
	start := time.Now()
	for {
		err := t.deps.Storage.CommitOffset(ctx, t.topicID, t.groupID, offset)
		if err == nil {
			if t.deps.Metrics != nil {
				t.deps.Metrics.ObserveCommitLatency(t.topicName, t.groupName, time.Since(start))
			}
			return cycleContinue
		}
		t.deps.Logger.Warn("dispatcher: offset commit failed, retrying", "key", t.key, "offset", offset, "error", wrap(KindOffsetCommit, err))
		if t.sleepOrStop(StorageBackoff) == cycleStopped {
			return cycleStopped
		}
	}
}

func (t *Task) recordRetry() {
	if t.deps.Metrics != nil {
		t.deps.Metrics.RecordSubscriberRetry(t.topicName, t.groupName)
	}
}

// rebuildSubList refreshes the cached subscriber snapshot from the
// registry (spec.md I5: the cursor is clamped/reset whenever the
// subscriber set changes).
func (t *Task) rebuildSubList() {
	group, ok := t.deps.Registry.GetSubscription(t.key)
	if !ok {
		t.subList = nil
		return
	}
	t.subList = group.Subscribers()
}

func (t *Task) sleepOrStop(d time.Duration) cycleResult {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return cycleContinue
	case <-t.stop:
		return cycleStopped
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
