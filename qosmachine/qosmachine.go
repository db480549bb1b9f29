// Package qosmachine drives the three MQTT QoS delivery sub-protocols the
// dispatcher uses to hand a single message to a single chosen subscriber
// (spec.md §4.3/§4.4). The ack-wait/pkid lifecycle is adapted directly from
// the teacher library's outbound-publish path (requests.go's internalPublish
// and logic.go's handlePuback/handlePubrec/handlePubrel/handlePubcomp): a
// dispatcher delivering QoS1/2 plays exactly the role the teacher's Client
// plays when it publishes to a broker and waits for the broker's acks.
package qosmachine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robustmq/sharedispatch/cache"
	"github.com/robustmq/sharedispatch/internal/packets"
	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/observability/metrics"
	"github.com/robustmq/sharedispatch/transport/connmgr"
)

// Outcome is what a delivery attempt resolved to.
type Outcome int

const (
	// Delivered means the dispatcher should commit the record's offset
	// and move on to the next record.
	Delivered Outcome = iota
	// FailedSubscriber means this subscriber could not take the record;
	// the dispatcher should rotate to the next one without committing.
	FailedSubscriber
	// Shutdown means the stop signal fired mid-handshake; per spec.md
	// §4.3 this terminates the handshake as a successful return, and any
	// offset already committed (QoS2's PUBREC-triggered commit) stands.
	Shutdown
)

// Options bounds the timing and retry behavior of a delivery attempt.
type Options struct {
	// AckTimeout bounds how long the machine waits for PUBACK/PUBREC/
	// PUBCOMP before treating the wait as failed.
	AckTimeout time.Duration
	// PubrelRetryLimit bounds PUBREL retransmission on PUBCOMP timeout.
	PubrelRetryLimit int
}

// DefaultOptions returns reasonable defaults for production use.
func DefaultOptions() Options {
	return Options{AckTimeout: 20 * time.Second, PubrelRetryLimit: 5}
}

// Machine delivers one record to one chosen subscriber's connection and
// drives that subscriber's QoS handshake to completion, failure, or
// shutdown.
type Machine struct {
	conns   *connmgr.Manager
	acks    *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New returns a QoS delivery machine backed by conns and acks.
func New(conns *connmgr.Manager, acks *cache.Cache, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{conns: conns, acks: acks, logger: logger}
}

// WithMetrics attaches a recorder for PUBREL-retransmission counts. Returns
// m for chaining at construction time.
func (m *Machine) WithMetrics(rec *metrics.Recorder) *Machine {
	m.metrics = rec
	return m
}

// Deliver drives rec.QoS's handshake against connID (the subscriber's
// connection id) and returns when the record's fate relative to offset
// commit is decided. stop is the dispatcher's stop signal.
func (m *Machine) Deliver(ctx context.Context, stop <-chan struct{}, connID string, rec model.PublishRecord, opts Options) Outcome {
	switch rec.QoS {
	case model.AtMostOnce:
		return m.deliverQoS0(ctx, connID, rec)
	case model.AtLeastOnce:
		return m.deliverQoS1(ctx, stop, connID, rec, opts)
	case model.ExactlyOnce:
		return m.deliverQoS2(ctx, stop, connID, rec, opts)
	default:
		return FailedSubscriber
	}
}

func (m *Machine) deliverQoS0(ctx context.Context, connID string, rec model.PublishRecord) Outcome {
	pkt := toPublishPacket(rec)
	if err := m.conns.PublishMessageToClient(ctx, connmgr.ResponsePackage{ConnectionID: connID, Packet: pkt}); err != nil {
		m.logger.Debug("qosmachine: qos0 best-effort send failed", "client_id", rec.ClientID, "error", err)
	}
	// QoS 0 is fire-and-forget: the record is considered delivered whether
	// or not the write actually reached the client.
	return Delivered
}

func (m *Machine) deliverQoS1(ctx context.Context, stop <-chan struct{}, connID string, rec model.PublishRecord, opts Options) Outcome {
	waiter := m.acks.AddAckPacket(rec.ClientID, rec.PacketID)
	defer m.acks.RemoveAckPacket(rec.ClientID, rec.PacketID)

	pkt := toPublishPacket(rec)
	if err := m.conns.PublishMessageToClient(ctx, connmgr.ResponsePackage{ConnectionID: connID, Packet: pkt}); err != nil {
		m.logger.Debug("qosmachine: qos1 publish failed", "client_id", rec.ClientID, "pkid", rec.PacketID, "error", err)
		return FailedSubscriber
	}

	timer := time.NewTimer(opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter.Chan():
		if res.Kind != cache.AckPuback || res.PacketID != rec.PacketID {
			m.logger.Debug("qosmachine: qos1 wrong ack", "client_id", rec.ClientID, "pkid", rec.PacketID)
			return FailedSubscriber
		}
		return Delivered
	case <-timer.C:
		m.logger.Debug("qosmachine: qos1 ack timeout", "client_id", rec.ClientID, "pkid", rec.PacketID)
		return FailedSubscriber
	case <-stop:
		return Shutdown
	}
}

func (m *Machine) deliverQoS2(ctx context.Context, stop <-chan struct{}, connID string, rec model.PublishRecord, opts Options) Outcome {
	waiter := m.acks.AddAckPacket(rec.ClientID, rec.PacketID)

	pkt := toPublishPacket(rec)
	if err := m.conns.PublishMessageToClient(ctx, connmgr.ResponsePackage{ConnectionID: connID, Packet: pkt}); err != nil {
		m.logger.Debug("qosmachine: qos2 publish failed", "client_id", rec.ClientID, "pkid", rec.PacketID, "error", err)
		m.acks.RemoveAckPacket(rec.ClientID, rec.PacketID)
		return FailedSubscriber
	}

	timer := time.NewTimer(opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter.Chan():
		if res.Kind != cache.AckPubrec || res.PacketID != rec.PacketID {
			m.acks.RemoveAckPacket(rec.ClientID, rec.PacketID)
			return FailedSubscriber
		}
		// Deliberate at-least-once boundary (spec.md §4.3/§9): from here
		// the producer side is responsible, so the offset commits now.
		// The remaining PUBREL/PUBCOMP handshake is decoupled from
		// dispatch and runs in the background; duplicates can reach the
		// client if PUBCOMP is lost, but no message is lost from the log.
		go m.finishQoS2(ctx, stop, connID, rec, opts, waiter)
		return Delivered
	case <-timer.C:
		m.acks.RemoveAckPacket(rec.ClientID, rec.PacketID)
		m.logger.Debug("qosmachine: qos2 pubrec timeout", "client_id", rec.ClientID, "pkid", rec.PacketID)
		return FailedSubscriber
	case <-stop:
		return Shutdown
	}
}

// finishQoS2 drives the PUBREL/PUBCOMP tail of a QoS2 handshake after the
// record's offset has already been committed on PUBREC. It sends PUBREL at
// most PubrelRetryLimit times in all (the first send plus up to
// PubrelRetryLimit-1 retransmissions on PUBCOMP timeout), then gives up and
// releases the pkid, logging a warning (spec.md §9 redesign guidance).
func (m *Machine) finishQoS2(ctx context.Context, stop <-chan struct{}, connID string, rec model.PublishRecord, opts Options, waiter *cache.AckWaiter) {
	defer m.acks.RemovePkidInfo(rec.ClientID, rec.PacketID)

	pubrel := &packets.PubrelPacket{PacketID: rec.PacketID, Version: 5}

	attempts := opts.PubrelRetryLimit
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if err := m.conns.PublishMessageToClient(ctx, connmgr.ResponsePackage{ConnectionID: connID, Packet: pubrel}); err != nil {
			m.logger.Debug("qosmachine: pubrel send failed", "client_id", rec.ClientID, "pkid", rec.PacketID, "error", err)
			return
		}
		if i > 0 && m.metrics != nil {
			m.metrics.RecordPubrelRetry(rec.ClientID)
		}

		timer := time.NewTimer(opts.AckTimeout)
		select {
		case res := <-waiter.Chan():
			timer.Stop()
			if res.Kind == cache.AckPubcomp && res.PacketID == rec.PacketID {
				return
			}
			// Unexpected ack kind; keep retrying until attempts run out.
		case <-timer.C:
			// PUBCOMP timeout: retransmit PUBREL (bounded by attempts).
		case <-stop:
			timer.Stop()
			return
		}
	}

	m.logger.Warn("qosmachine: giving up on pubcomp after retry limit", "client_id", rec.ClientID, "pkid", rec.PacketID, "attempts", attempts)
}

// DeliverAck routes an observed ack packet from connID's client into the
// waiter registered for it. Called by the connection manager's read path
// when it decodes a PUBACK/PUBREC/PUBCOMP.
func (m *Machine) DeliverAck(clientID string, result cache.AckResult) bool {
	return m.acks.Deliver(clientID, result)
}

func toPublishPacket(rec model.PublishRecord) *packets.PublishPacket {
	props := &packets.Properties{
		ContentType:     rec.ContentType,
		ResponseTopic:   rec.ResponseTopic,
		CorrelationData: rec.CorrelationData,
	}
	if rec.ContentType != "" {
		props.Presence |= packets.PresContentType
	}
	if rec.ResponseTopic != "" {
		props.Presence |= packets.PresResponseTopic
	}
	if rec.HasFormatIndicator {
		props.PayloadFormatIndicator = rec.FormatIndicator
		props.Presence |= packets.PresPayloadFormatIndicator
	}
	if rec.HasExpiryInterval {
		props.MessageExpiryInterval = rec.ExpiryInterval
		props.Presence |= packets.PresMessageExpiryInterval
	}
	if len(rec.SubscriptionIdentifiers) > 0 {
		props.SubscriptionIdentifier = rec.SubscriptionIdentifiers
	}
	for k, v := range rec.UserProperties {
		props.UserProperties = append(props.UserProperties, packets.UserProperty{Key: k, Value: v})
	}

	return &packets.PublishPacket{
		Topic:      rec.TopicName,
		Payload:    rec.Payload,
		QoS:        uint8(rec.QoS),
		Retain:     rec.Retain,
		PacketID:   rec.PacketID,
		Properties: props,
		Version:    5,
	}
}
