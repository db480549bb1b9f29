// Package model holds the data types shared across the shared-subscription
// dispatcher: the share-group registry, the supervisor, the per-group
// dispatcher task and the QoS delivery machines all exchange these types
// instead of poking at each other's internals.
package model

import "fmt"

// QoS is the MQTT Quality of Service level.
type QoS uint8

// MQTT Quality of Service levels.
const (
	// AtMostOnce (QoS 0) delivers best-effort, no acknowledgment.
	AtMostOnce QoS = 0
	// AtLeastOnce (QoS 1) retries until PUBACK is observed.
	AtLeastOnce QoS = 1
	// ExactlyOnce (QoS 2) drives the PUBREC/PUBREL/PUBCOMP handshake.
	ExactlyOnce QoS = 2
)

// ShareLeaderKey identifies a (topic, group) pair this broker may be the
// share-leader for. It is opaque and hashable, and safe to use as a map key.
type ShareLeaderKey string

// NewShareLeaderKey builds the canonical key for a topic/group pair.
func NewShareLeaderKey(topicID, groupName string) ShareLeaderKey {
	return ShareLeaderKey(topicID + "/" + groupName)
}

// GroupID is the consumer-group identity persisted alongside committed
// offsets. The literal format is part of the on-disk contract: changing it
// orphans existing offset state.
func GroupID(groupName, topicID string) string {
	return "system_sub_" + groupName + "_" + topicID
}

// Subscriber is an immutable snapshot of one member of a shared-subscription
// group. Two subscribers with the same ClientID collapse to one entry in a
// SubscribeGroup's member list; the most recently inserted wins.
type Subscriber struct {
	ClientID               string
	QoS                    QoS
	SubscriptionIdentifier int
	HasSubscriptionID      bool
	NoLocal                bool
	PreserveRetain         bool
}

// SubscribeGroup is the subscription-side view of one shared-subscription
// group: its membership, indexed by client ID so a re-subscribe from the
// same client overwrites rather than duplicates. It is owned by the
// subscription manager (outside this module) and only read here.
type SubscribeGroup struct {
	TopicID   string
	TopicName string
	GroupName string
	SubList   map[string]Subscriber
}

// Key returns this group's share-leader key.
func (g *SubscribeGroup) Key() ShareLeaderKey {
	return NewShareLeaderKey(g.TopicID, g.GroupName)
}

// Subscribers returns a stable-ordered snapshot of the group's members,
// suitable for a dispatcher to cache as its round-robin cursor target.
// The order is deterministic (sorted by client ID) so two snapshots taken
// from the same membership produce the same cursor semantics.
func (g *SubscribeGroup) Subscribers() []Subscriber {
	out := make([]Subscriber, 0, len(g.SubList))
	for _, s := range g.SubList {
		out = append(out, s)
	}
	sortSubscribers(out)
	return out
}

func sortSubscribers(subs []Subscriber) {
	// insertion sort: group sizes are small (single-digit to low hundreds)
	// and this keeps the dependency-free sort deterministic across runs.
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].ClientID < subs[j-1].ClientID; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}

// LogRecord is one message as returned by the storage adapter. Offsets are
// strictly increasing within a (topic_id, group_id) consumer.
type LogRecord struct {
	Offset  uint64
	Payload []byte
}

// MqttMessage is a decoded log payload, ready for fan-out to group members.
type MqttMessage struct {
	ProducerClientID   string
	Payload            []byte
	Retain             bool
	FormatIndicator    uint8
	HasFormatIndicator bool
	ExpiryInterval     uint32
	HasExpiryInterval  bool
	ResponseTopic      string
	CorrelationData    []byte
	UserProperties     map[string]string
	ContentType        string
}

// PublishRecord is what the filter stage (see package dispatcher) builds for
// one (subscriber, message) pair before handing it to the connection
// manager. It plays the role the teacher library's PublishPacket+Properties
// pair plays for an outgoing client publish.
type PublishRecord struct {
	ClientID                string
	TopicName               string
	QoS                     QoS
	Retain                  bool
	PacketID                uint16
	SubscriptionIdentifiers []int
	Payload                 []byte
	FormatIndicator         uint8
	HasFormatIndicator      bool
	ExpiryInterval          uint32
	HasExpiryInterval       bool
	ResponseTopic           string
	CorrelationData         []byte
	UserProperties          map[string]string
	ContentType             string
}

// String is used in log lines; it intentionally omits the payload.
func (p PublishRecord) String() string {
	return fmt.Sprintf("publish{client=%s topic=%s qos=%d pkid=%d}", p.ClientID, p.TopicName, p.QoS, p.PacketID)
}

// ClusterConfig bounds dispatcher behavior that the spec leaves as
// implementation-defined knobs.
type ClusterConfig struct {
	// MaxQoS clamps the effective QoS of any delivery regardless of what
	// the subscriber asked for.
	MaxQoS QoS

	// MaxDeliveryAttemptsPerRecord bounds how many different subscribers a
	// single record may be offered to before it is abandoned. Zero means
	// "use the live subscriber count at selection time", matching the
	// original behavior.
	MaxDeliveryAttemptsPerRecord int

	// PubrelRetryLimit bounds PUBREL retransmission on PUBCOMP timeout.
	PubrelRetryLimit int

	// PoisonPolicy controls how a batch-decode failure is handled.
	PoisonPolicy PoisonPolicy
}

// PoisonPolicy names a policy for handling an undecodable log record.
type PoisonPolicy string

const (
	// PoisonSkipOne commits the poisoned offset and aborts only the
	// current batch; processing resumes on the next read cycle.
	PoisonSkipOne PoisonPolicy = "skip-one"
	// PoisonSkipBatch discards the remainder of the batch without
	// committing the poisoned offset, so the next read cycle returns the
	// same record again; this policy never moves the offset past it.
	PoisonSkipBatch PoisonPolicy = "skip-batch"
)

// DefaultClusterConfig returns the spec's documented defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		MaxQoS:                       ExactlyOnce,
		MaxDeliveryAttemptsPerRecord: 0,
		PubrelRetryLimit:             5,
		PoisonPolicy:                 PoisonSkipOne,
	}
}
