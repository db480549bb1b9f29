package dispatcher

import "github.com/robustmq/sharedispatch/model"

// buildPublishRecord applies the publish-construction rules of spec.md
// §4.3: effective QoS is clamped to the cluster maximum, retain is gated on
// the subscriber's preserve_retain flag, and a nolocal match against the
// message's producer short-circuits with skip=true.
func buildPublishRecord(cluster model.ClusterConfig, sub model.Subscriber, topicName string, msg model.MqttMessage) (rec model.PublishRecord, skip bool) {
	if sub.NoLocal && sub.ClientID == msg.ProducerClientID {
		return model.PublishRecord{}, true
	}

	qos := sub.QoS
	if cluster.MaxQoS < qos {
		qos = cluster.MaxQoS
	}

	rec = model.PublishRecord{
		ClientID:           sub.ClientID,
		TopicName:          topicName,
		QoS:                qos,
		Retain:             sub.PreserveRetain && msg.Retain,
		PacketID:           0, // assigned later for QoS1/2
		Payload:            msg.Payload,
		FormatIndicator:    msg.FormatIndicator,
		HasFormatIndicator: msg.HasFormatIndicator,
		ExpiryInterval:     msg.ExpiryInterval,
		HasExpiryInterval:  msg.HasExpiryInterval,
		ResponseTopic:      msg.ResponseTopic,
		CorrelationData:    msg.CorrelationData,
		UserProperties:     msg.UserProperties,
		ContentType:        msg.ContentType,
	}
	if sub.HasSubscriptionID {
		rec.SubscriptionIdentifiers = []int{sub.SubscriptionIdentifier}
	}
	return rec, false
}
