package dispatcher

import (
	"bytes"
	"fmt"

	"github.com/robustmq/sharedispatch/internal/packets"
	"github.com/robustmq/sharedispatch/model"
)

// producerClientIDProperty is a reserved MQTT v5 user property key used to
// smuggle the publishing client's id through the durable log, so a later
// nolocal check has something to compare against. It is stripped back out
// before a record reaches a subscriber; it is never forwarded as an
// application-visible property.
const producerClientIDProperty = "$internal.producer_client_id"

// WireDecoder decodes a log record's payload as a complete MQTT v5 PUBLISH
// packet (fixed header included) — the same on-wire shape the producer's
// connection originally sent, persisted verbatim by whatever writes the
// log. It implements MessageDecoder.
type WireDecoder struct {
	// MaxIncomingPacket bounds ReadPacket's allocation; 0 uses the MQTT
	// spec maximum.
	MaxIncomingPacket int
}

// Decode implements MessageDecoder.
func (d WireDecoder) Decode(payload []byte) (model.MqttMessage, error) {
	pkt, err := packets.ReadPacket(bytes.NewReader(payload), 5, d.MaxIncomingPacket)
	if err != nil {
		return model.MqttMessage{}, fmt.Errorf("dispatcher: decode log record: %w", err)
	}
	pub, ok := pkt.(*packets.PublishPacket)
	if !ok {
		return model.MqttMessage{}, fmt.Errorf("dispatcher: decode log record: expected PUBLISH, got packet type %d", pkt.Type())
	}

	msg := model.MqttMessage{
		Payload: pub.Payload,
		Retain:  pub.Retain,
	}
	if props := pub.Properties; props != nil {
		if props.Presence&packets.PresPayloadFormatIndicator != 0 {
			msg.FormatIndicator = props.PayloadFormatIndicator
			msg.HasFormatIndicator = true
		}
		if props.Presence&packets.PresMessageExpiryInterval != 0 {
			msg.ExpiryInterval = props.MessageExpiryInterval
			msg.HasExpiryInterval = true
		}
		msg.ResponseTopic = props.ResponseTopic
		msg.CorrelationData = props.CorrelationData
		msg.ContentType = props.ContentType
		if len(props.UserProperties) > 0 {
			msg.UserProperties = make(map[string]string, len(props.UserProperties))
			for _, up := range props.UserProperties {
				msg.UserProperties[up.Key] = up.Value
			}
		}
		if producer, ok := msg.UserProperties[producerClientIDProperty]; ok {
			msg.ProducerClientID = producer
			delete(msg.UserProperties, producerClientIDProperty)
		}
	}
	return msg, nil
}

// EncodeForLog serializes msg as the same on-wire PUBLISH shape WireDecoder
// expects, for use by the ingest path that appends to the durable log (and
// by tests that need to build log records).
func EncodeForLog(producerClientID, topic string, msg model.MqttMessage) ([]byte, error) {
	props := &packets.Properties{
		ContentType:     msg.ContentType,
		ResponseTopic:   msg.ResponseTopic,
		CorrelationData: msg.CorrelationData,
	}
	if msg.ContentType != "" {
		props.Presence |= packets.PresContentType
	}
	if msg.ResponseTopic != "" {
		props.Presence |= packets.PresResponseTopic
	}
	if msg.HasFormatIndicator {
		props.PayloadFormatIndicator = msg.FormatIndicator
		props.Presence |= packets.PresPayloadFormatIndicator
	}
	if msg.HasExpiryInterval {
		props.MessageExpiryInterval = msg.ExpiryInterval
		props.Presence |= packets.PresMessageExpiryInterval
	}
	for k, v := range msg.UserProperties {
		props.UserProperties = append(props.UserProperties, packets.UserProperty{Key: k, Value: v})
	}
	if producerClientID != "" {
		props.UserProperties = append(props.UserProperties, packets.UserProperty{Key: producerClientIDProperty, Value: producerClientID})
	}

	pkt := &packets.PublishPacket{
		Topic:      topic,
		Payload:    msg.Payload,
		Retain:     msg.Retain,
		Properties: props,
		Version:    5,
	}

	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("dispatcher: encode log record: %w", err)
	}
	return buf.Bytes(), nil
}
