// Package connmgr implements the connection manager collaborator described
// in spec.md §4.4/§6: submit a packet for a connection, fail if the
// connection is gone, enforce the connection's negotiated max_packet_size.
//
// The per-connection write loop is adapted directly from the teacher
// library's Client.writeLoop (bufio.Writer over net.Conn, drain-then-flush
// batching): the wire framing of a PUBLISH/PUBACK/PUBREC/PUBREL/PUBCOMP is
// identical whether a process is speaking as client or as broker, so the
// same internal/packets codec and the same "one writer goroutine per
// connection, packets delivered over a channel" shape applies unchanged.
package connmgr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/robustmq/sharedispatch/internal/packets"
)

// ErrConnectionClosed is returned when a packet is submitted for a
// connection that is no longer registered.
var ErrConnectionClosed = errors.New("connmgr: connection closed")

// ErrPayloadTooLarge is returned when a packet exceeds the connection's
// negotiated max_packet_size (spec.md's PayloadTooLarge error kind).
var ErrPayloadTooLarge = errors.New("connmgr: payload too large")

// ErrQueueFull is returned when a connection's outbound queue is saturated,
// matching the "fails if... queue is full beyond policy" contract for
// publish_message_to_client.
var ErrQueueFull = errors.New("connmgr: outbound queue full")

// ResponsePackage is one unit of work for a connection's write loop: a
// packet destined for connectionID.
type ResponsePackage struct {
	ConnectionID string
	Packet       packets.Packet
}

// AckHandler is invoked by a connection's read loop when it decodes an
// inbound PUBACK/PUBREC/PUBCOMP, so the QoS machine waiting on that client's
// handshake can be woken. clientID is resolved from the connection the
// packet arrived on via the BindClient index.
type AckHandler func(clientID string, pkt packets.Packet)

type connection struct {
	id            string
	conn          net.Conn
	maxPacketSize uint32 // 0 = no limit
	outbound      chan packets.Packet
	stop          chan struct{}
	stopOnce      sync.Once
}

// Manager tracks live broker-side connections and drives one write goroutine
// per connection, mirroring the teacher's single-writer-per-socket design.
// It also keeps the client-id-to-connection-id index the dispatcher needs
// for spec.md §4.4's get_connect_id lookup, since a client's current
// connection is broker transport state, not share-group state.
type Manager struct {
	logger *slog.Logger

	mu         sync.RWMutex
	conns      map[string]*connection
	byClient   map[string]string
	byConn     map[string]string
	ackHandler AckHandler
}

// New returns an empty connection manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		conns:    make(map[string]*connection),
		byClient: make(map[string]string),
		byConn:   make(map[string]string),
	}
}

// SetAckHandler installs the callback a connection's read loop routes
// inbound PUBACK/PUBREC/PUBCOMP packets to. It must be set once during
// wiring, before any connections are Register'd; a Manager with no handler
// simply drops decoded acks (as it did before any read loop existed).
func (m *Manager) SetAckHandler(h AckHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackHandler = h
}

// BindClient records that clientID's live connection is connectionID,
// replacing any prior binding (e.g. after a reconnect).
func (m *Manager) BindClient(clientID, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byClient[clientID]; ok {
		delete(m.byConn, prev)
	}
	m.byClient[clientID] = connectionID
	m.byConn[connectionID] = clientID
}

// UnbindClient removes clientID's binding if it still points at
// connectionID. A stale unbind (from an already-superseded connection) is a
// no-op, so a slow disconnect can never evict a newer binding.
func (m *Manager) UnbindClient(clientID, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byClient[clientID] == connectionID {
		delete(m.byClient, clientID)
		delete(m.byConn, connectionID)
	}
}

// clientIDForConn returns the client currently bound to connectionID, if
// any, for routing a decoded ack back to its waiter.
func (m *Manager) clientIDForConn(connectionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConn[connectionID]
	return id, ok
}

// ConnectionID implements dispatcher.ConnectionResolver: it returns the
// connection id currently bound to clientID, if any.
func (m *Manager) ConnectionID(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byClient[clientID]
	return id, ok
}

// NewConnectionID returns a fresh, globally-unique connection id for the
// broker's accept loop to Register a new socket under, distinct from the
// client-chosen MQTT ClientID that BindClient later associates with it.
func NewConnectionID() string {
	return uuid.NewString()
}

// Register adds conn under connectionID with the given negotiated
// max_packet_size (0 means unlimited) and starts its write loop. queueDepth
// bounds the outbound channel, implementing the "queue full beyond policy"
// backpressure the spec calls for.
func (m *Manager) Register(connectionID string, conn net.Conn, maxPacketSize uint32, queueDepth int) {
	c := &connection{
		id:            connectionID,
		conn:          conn,
		maxPacketSize: maxPacketSize,
		outbound:      make(chan packets.Packet, queueDepth),
		stop:          make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[connectionID] = c
	m.mu.Unlock()

	go m.writeLoop(c)
	go m.readLoop(c)
}

// Unregister stops the write loop for connectionID and removes it from the
// manager. Idempotent.
func (m *Manager) Unregister(connectionID string) {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}
	m.mu.Unlock()

	if ok {
		c.stopOnce.Do(func() { close(c.stop) })
	}
}

// MaxPacketSize returns the negotiated maximum packet size for
// connectionID, and whether the connection is currently registered.
func (m *Manager) MaxPacketSize(connectionID string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return 0, false
	}
	return c.maxPacketSize, true
}

// PublishMessageToClient submits pkg for delivery. It returns
// ErrConnectionClosed if connectionID is not registered, ErrPayloadTooLarge
// if the packet exceeds the connection's negotiated max_packet_size, and
// ErrQueueFull if the outbound queue is saturated.
func (m *Manager) PublishMessageToClient(ctx context.Context, pkg ResponsePackage) error {
	m.mu.RLock()
	c, ok := m.conns[pkg.ConnectionID]
	m.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}

	if c.maxPacketSize > 0 {
		var buf bytes.Buffer
		n, err := pkg.Packet.WriteTo(&buf)
		if err != nil {
			return fmt.Errorf("connmgr: encode: %w", err)
		}
		if uint32(n) > c.maxPacketSize {
			return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, n, c.maxPacketSize)
		}
	}

	select {
	case c.outbound <- pkg.Packet:
		return nil
	case <-c.stop:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// writeLoop drains a connection's outbound queue into the socket, batching
// writes the same way the teacher's Client.writeLoop does: write the first
// packet, then drain whatever else is already queued before flushing once.
func (m *Manager) writeLoop(c *connection) {
	bw := bufio.NewWriter(c.conn)

	for {
		select {
		case pkt := <-c.outbound:
			if _, err := pkt.WriteTo(bw); err != nil {
				m.logger.Debug("connmgr: write error, closing connection", "connection_id", c.id, "error", err)
				m.Unregister(c.id)
				return
			}

			drained := len(c.outbound)
			for i := 0; i < drained; i++ {
				pkt := <-c.outbound
				if _, err := pkt.WriteTo(bw); err != nil {
					m.logger.Debug("connmgr: write error (batch), closing connection", "connection_id", c.id, "error", err)
					m.Unregister(c.id)
					return
				}
			}

			if err := bw.Flush(); err != nil {
				m.logger.Debug("connmgr: flush error, closing connection", "connection_id", c.id, "error", err)
				m.Unregister(c.id)
				return
			}

		case <-c.stop:
			return
		}
	}
}

// readLoop decodes inbound packets off a connection's socket until it
// errors or the connection is unregistered. A subscriber only ever sends
// QoS acks back to the dispatcher; anything else is logged and dropped
// rather than treated as a protocol error, since negotiating the rest of
// the MQTT session is the broker's job, not this package's.
func (m *Manager) readLoop(c *connection) {
	for {
		pkt, err := packets.ReadPacket(c.conn, 5, int(c.maxPacketSize))
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			m.logger.Debug("connmgr: read error, closing connection", "connection_id", c.id, "error", err)
			m.Unregister(c.id)
			return
		}

		switch pkt.Type() {
		case packets.PUBACK, packets.PUBREC, packets.PUBCOMP:
			m.mu.RLock()
			handler := m.ackHandler
			m.mu.RUnlock()
			if handler == nil {
				continue
			}
			clientID, ok := m.clientIDForConn(c.id)
			if !ok {
				m.logger.Debug("connmgr: ack from unbound connection, dropping", "connection_id", c.id)
				continue
			}
			handler(clientID, pkt)
		default:
			m.logger.Debug("connmgr: ignoring unexpected inbound packet", "connection_id", c.id, "type", packets.PacketNames[pkt.Type()])
		}
	}
}
