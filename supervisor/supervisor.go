// Package supervisor implements the reconciliation loop from spec.md §4.2:
// on a fixed tick, reconcile the registry's dispatchers map against its
// subscriptions map by stopping dispatchers for groups that no longer have
// members and starting dispatchers for non-empty groups that don't have one
// yet.
//
// The select-on-ticker-or-stop shape mirrors the teacher library's
// keepalive loop (logic.go's pingLoop): a ticker drives periodic work, and
// a close-once stop channel lets the owner tear it down promptly instead of
// waiting out the next tick.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/registry"
)

// DefaultTick is the reconciliation cadence named in spec.md §4.2.
const DefaultTick = 1 * time.Second

// RunFunc starts one dispatcher task and blocks until stop closes or the
// task exits on its own.
// Implementations are expected to call registry.Registry.RemoveDispatcher
// on their own exit path, mirroring dispatcher.Task.Run.
type RunFunc func(ctx context.Context, key model.ShareLeaderKey, topicID, topicName, groupName string, stop <-chan struct{})

// Supervisor owns the registry's reconciliation loop. It never touches
// subscription membership; that is the external subscription manager's job.
type Supervisor struct {
	reg    *registry.Registry
	run    RunFunc
	tick   time.Duration
	logger *slog.Logger
}

// New returns a supervisor that reconciles reg every tick by invoking run
// for each group that newly needs a dispatcher. A non-positive tick falls
// back to DefaultTick.
func New(reg *registry.Registry, run RunFunc, tick time.Duration, logger *slog.Logger) *Supervisor {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{reg: reg, run: run, tick: tick, logger: logger}
}

// Run ticks until ctx is done or stop closes, reconciling on every tick.
func (s *Supervisor) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile runs one GC pass followed by one start pass. It is exported so
// tests (and an operator-triggered "reconcile now" hook) can drive it
// without waiting on the ticker.
func (s *Supervisor) Reconcile(ctx context.Context) {
	s.gc()
	s.start(ctx)
}

// gc stops and deregisters every dispatcher whose group has disappeared or
// emptied out, then removes the stale subscription entry for any group that
// emptied out rather than disappeared outright. Stopping is asynchronous:
// the handle's Done channel closing is the only promise made here, the
// dispatcher goroutine finishes its current unit of work before observing
// it.
//
// These are genuinely two cases, handled in the same loop: a group can disappear from the
// subscriptions map entirely (the external subscription manager already
// removed it, nothing left to clean up there) or it can remain present with
// an empty SubList (every member unsubscribed, but the entry itself
// lingers until something prunes it). Only the second case needs the extra
// RemoveSubscription call.
func (s *Supervisor) gc() {
	for _, key := range s.reg.SnapshotDispatcherKeys() {
		group, ok := s.reg.GetSubscription(key)
		if ok && len(group.SubList) > 0 {
			continue
		}

		if h, ok := s.reg.GetDispatcher(key); ok {
			h.Stop()
		}
		// Removing here (rather than waiting for the dispatcher's own exit
		// path) means a group that refills with members before the
		// dispatcher goroutine actually exits gets a fresh handle on the
		// very next start pass instead of silently reusing the dying one.
		s.reg.RemoveDispatcher(key)

		if ok {
			s.reg.RemoveSubscription(key)
			s.logger.Debug("supervisor: stopped dispatcher and pruned empty group subscription", "key", key)
			continue
		}
		s.logger.Debug("supervisor: stopped dispatcher for removed group", "key", key)
	}
}

// start spawns a dispatcher for every non-empty group that does not already
// have one, racing safely against any other caller of start via the
// registry's InsertDispatcher compare-and-set.
func (s *Supervisor) start(ctx context.Context) {
	for _, entry := range s.reg.SnapshotSubscriptions() {
		if len(entry.Group.SubList) == 0 {
			continue
		}
		if s.reg.ContainsDispatcher(entry.Key) {
			continue
		}

		handle := registry.NewDispatcherHandle()
		if !s.reg.InsertDispatcher(entry.Key, handle) {
			continue
		}

		s.logger.Debug("supervisor: starting dispatcher", "key", entry.Key)
		group := entry.Group
		go s.run(ctx, entry.Key, group.TopicID, group.TopicName, group.GroupName, handle.Done())
	}
}
