// Package cache implements the per-client packet-id and in-flight-ack
// bookkeeping described in spec.md §3/§4.4 (InFlightAck) and §4.4 (get_pkid,
// add_ack_packet, remove_ack_packet, remove_pkid_info). It is in-process,
// sync.Map-backed state; a distributed cache is out of scope (placement and
// consensus are explicit Non-goals of the dispatcher core).
//
// The allocation strategy mirrors the teacher library's Client.nextID: scan
// forward from the last-used id, skipping ids that are still outstanding,
// wrapping past zero (packet id 0 is reserved/invalid in MQTT).
package cache

import (
	"sync"
	"time"
)

// AckWaiter is handed to a QoS machine when it registers an in-flight
// delivery; the dispatcher receives on it to learn the terminal ack (or a
// timeout/close).
type AckWaiter struct {
	ch        chan AckResult
	createdAt time.Time
}

// AckResult is what arrives on an AckWaiter's channel.
type AckResult struct {
	// Kind identifies which MQTT ack packet type this represents.
	Kind AckKind
	// PacketID is the acked packet id, for sanity-checking against what
	// the waiter expects.
	PacketID uint16
}

// AckKind enumerates the MQTT v5 ack packet types the dispatcher waits for.
type AckKind uint8

const (
	AckPuback AckKind = iota
	AckPubrec
	AckPubcomp
)

// clientState is the per-client slice of the ack cache: its next candidate
// packet id and its outstanding in-flight waiters.
type clientState struct {
	mu       sync.Mutex
	nextPkid uint16
	inFlight map[uint16]*AckWaiter
}

// Cache is the broker-side analogue of the cache manager described in
// spec.md §4.4: per-client packet-id allocation and in-flight ack tracking,
// safe under concurrent use from many dispatcher goroutines (one per
// share-leader group) and tolerant of a client disconnecting mid-flight.
type Cache struct {
	clients sync.Map // clientID -> *clientState
}

// New returns an empty ack cache.
func New() *Cache {
	return &Cache{}
}

func (c *Cache) stateFor(clientID string) *clientState {
	if v, ok := c.clients.Load(clientID); ok {
		return v.(*clientState)
	}
	v, _ := c.clients.LoadOrStore(clientID, &clientState{inFlight: make(map[uint16]*AckWaiter)})
	return v.(*clientState)
}

// GetPkid allocates the next free packet id for clientID. Packet ids cycle
// through the 16-bit space (1-65535); 0 is never returned.
func (c *Cache) GetPkid(clientID string) uint16 {
	st := c.stateFor(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := 0; i < 65535; i++ {
		st.nextPkid++
		if st.nextPkid == 0 {
			st.nextPkid = 1
		}
		if _, used := st.inFlight[st.nextPkid]; !used {
			return st.nextPkid
		}
	}
	// All 65535 ids are outstanding for this client; spec.md I4 treats this
	// as a caller error (they should have bounded concurrent in-flight
	// deliveries). Return the colliding id rather than panic.
	return st.nextPkid
}

// AddAckPacket registers a waiter for (clientID, pkid). It must be called
// before the publish carrying that pkid is handed to the connection
// manager, so a fast ack can never race ahead of registration.
func (c *Cache) AddAckPacket(clientID string, pkid uint16) *AckWaiter {
	st := c.stateFor(clientID)
	w := &AckWaiter{ch: make(chan AckResult, 1), createdAt: time.Now()}

	st.mu.Lock()
	st.inFlight[pkid] = w
	st.mu.Unlock()

	return w
}

// Deliver routes an observed ack packet to the waiter registered for
// (clientID, pkid), if any. Returns false if there was nothing waiting
// (already acked, already removed, or the wrong client/pkid pairing).
func (c *Cache) Deliver(clientID string, result AckResult) bool {
	st := c.stateFor(clientID)
	st.mu.Lock()
	w, ok := st.inFlight[result.PacketID]
	st.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- result:
		return true
	default:
		return false
	}
}

// RemoveAckPacket releases the waiter for (clientID, pkid) without
// delivering a result, e.g. after a terminal ack has been consumed.
func (c *Cache) RemoveAckPacket(clientID string, pkid uint16) {
	st := c.stateFor(clientID)
	st.mu.Lock()
	delete(st.inFlight, pkid)
	st.mu.Unlock()
}

// RemovePkidInfo releases both the waiter and any reservation for
// (clientID, pkid). For this in-memory cache that is the same operation as
// RemoveAckPacket; it is kept as a distinct method to mirror spec.md's
// separate remove_pkid_info primitive and to give future persistence-backed
// caches a seam to do additional bookkeeping.
func (c *Cache) RemovePkidInfo(clientID string, pkid uint16) {
	c.RemoveAckPacket(clientID, pkid)
}

// TeardownSession releases every in-flight waiter for clientID, e.g. when
// the client's session expires. This is the only mechanism by which pkids
// allocated by a now-dead dispatcher iteration are reclaimed if nothing
// else ever completes them (spec.md's cancellation-safety requirement).
func (c *Cache) TeardownSession(clientID string) {
	c.clients.Delete(clientID)
}

// Chan exposes the waiter's result channel for use in a select statement.
func (w *AckWaiter) Chan() <-chan AckResult {
	return w.ch
}

// CreatedAt returns when the waiter was registered, for timeout accounting.
func (w *AckWaiter) CreatedAt() time.Time {
	return w.createdAt
}
