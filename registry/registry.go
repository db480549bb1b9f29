// Package registry holds the two concurrent maps that the supervisor and
// dispatcher tasks coordinate through: the current shared-subscription
// membership, and the handles of currently-running dispatcher goroutines.
//
// The maps are deliberately not exposed directly (see spec.md's
// re-architecture guidance on "global concurrent maps holding running task
// handles"): callers only get narrow, named operations, and snapshot
// iteration always copies keys rather than handing out the live map.
package registry

import (
	"sync"

	"github.com/robustmq/sharedispatch/model"
)

// DispatcherHandle is the supervisor/dispatcher's handshake for shutdown:
// Stop closes the channel returned by Done, which is the signal a
// dispatcher watches; removing a handle from the registry does not by itself
// stop anything. The close is broadcast-style, so every receiver (there is
// normally exactly one: the owning dispatcher) observes it.
type DispatcherHandle struct {
	stop   chan struct{}
	closed sync.Once
}

// NewDispatcherHandle creates a handle whose Stop method has not yet fired.
func NewDispatcherHandle() *DispatcherHandle {
	return &DispatcherHandle{stop: make(chan struct{})}
}

// Stop requests the dispatcher to exit. Calling Stop more than once has the
// same effect as calling it once (spec.md L2).
func (h *DispatcherHandle) Stop() {
	h.closed.Do(func() { close(h.stop) })
}

// Done returns the channel that closes when Stop has been called.
func (h *DispatcherHandle) Done() <-chan struct{} {
	return h.stop
}

// Registry is the concurrent mapping described in spec.md §4.1: a
// subscriptions map owned by an external subscription manager (read here,
// mutated there) and a dispatchers map owned by the supervisor and the
// dispatcher tasks themselves. The two maps are allowed to diverge
// transiently; the supervisor loop is what drives them back into agreement.
type Registry struct {
	mu            sync.RWMutex
	subscriptions map[model.ShareLeaderKey]*model.SubscribeGroup
	dispatchers   map[model.ShareLeaderKey]*DispatcherHandle
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		subscriptions: make(map[model.ShareLeaderKey]*model.SubscribeGroup),
		dispatchers:   make(map[model.ShareLeaderKey]*DispatcherHandle),
	}
}

// UpsertSubscription installs or replaces the subscription entry for key.
// Called by the (external) subscription manager whenever group membership
// changes.
func (r *Registry) UpsertSubscription(key model.ShareLeaderKey, group *model.SubscribeGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[key] = group
}

// RemoveSubscription deletes the subscription entry for key.
func (r *Registry) RemoveSubscription(key model.ShareLeaderKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, key)
}

// GetSubscription returns a snapshot of the group registered under key.
// The returned pointer must be treated as read-only by the caller; clone
// SubList before mutating if a caller ever needs to.
func (r *Registry) GetSubscription(key model.ShareLeaderKey) (*model.SubscribeGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.subscriptions[key]
	return g, ok
}

// SnapshotSubscriptions returns the current (key, group) pairs. The slice is
// a copy; the registry may be mutated concurrently without affecting it.
func (r *Registry) SnapshotSubscriptions() []SubscriptionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionEntry, 0, len(r.subscriptions))
	for k, g := range r.subscriptions {
		out = append(out, SubscriptionEntry{Key: k, Group: g})
	}
	return out
}

// SubscriptionEntry pairs a key with its group, returned by snapshot calls.
type SubscriptionEntry struct {
	Key   model.ShareLeaderKey
	Group *model.SubscribeGroup
}

// InsertDispatcher registers a running dispatcher's handle under key.
// Returns false (and does not replace the existing handle) if one is
// already registered, so callers never silently orphan a running task.
func (r *Registry) InsertDispatcher(key model.ShareLeaderKey, h *DispatcherHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dispatchers[key]; exists {
		return false
	}
	r.dispatchers[key] = h
	return true
}

// RemoveDispatcher deletes the dispatcher handle for key. Idempotent: called
// both by the supervisor (GC pass) and by the dispatcher's own exit path.
func (r *Registry) RemoveDispatcher(key model.ShareLeaderKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dispatchers, key)
}

// GetDispatcher returns the handle registered under key, if any.
func (r *Registry) GetDispatcher(key model.ShareLeaderKey) (*DispatcherHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.dispatchers[key]
	return h, ok
}

// SnapshotDispatcherKeys returns the keys currently holding a dispatcher
// handle. Used by the supervisor's GC pass so it never iterates the live
// map while deciding whether to mutate it.
func (r *Registry) SnapshotDispatcherKeys() []model.ShareLeaderKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ShareLeaderKey, 0, len(r.dispatchers))
	for k := range r.dispatchers {
		out = append(out, k)
	}
	return out
}

// ContainsDispatcher reports whether key currently has a registered handle.
func (r *Registry) ContainsDispatcher(key model.ShareLeaderKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dispatchers[key]
	return ok
}
