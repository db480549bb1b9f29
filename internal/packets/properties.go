package packets

import (
	"encoding/binary"
	"fmt"
)

// Property IDs defined in MQTT v5.0 spec that the dispatcher's packet types
// (PUBLISH and the PUBACK/PUBREC/PUBREL/PUBCOMP acks) actually carry.
const (
	PropPayloadFormatIndicator uint8 = 0x01
	PropMessageExpiryInterval  uint8 = 0x02
	PropContentType            uint8 = 0x03
	PropResponseTopic          uint8 = 0x08
	PropCorrelationData        uint8 = 0x09
	PropSubscriptionIdentifier uint8 = 0x0B
	PropReasonString           uint8 = 0x1F
	PropUserProperty           uint8 = 0x26
)

// Presence flags for Properties struct
const (
	PresPayloadFormatIndicator uint32 = 1 << 0
	PresMessageExpiryInterval  uint32 = 1 << 1
	PresContentType            uint32 = 1 << 2
	PresResponseTopic          uint32 = 1 << 3
	PresReasonString           uint32 = 1 << 4
)

// Property represents a single MQTT property.
type Property struct {
	ID    uint8
	Value any
}

// UserProperty represents a key-value pair.
type UserProperty struct {
	Key   string
	Value string
}

// Properties holds the subset of MQTT 5.0 properties the dispatcher moves:
// the ones PUBLISH and its QoS acks carry. Optimized for allocation-free
// decoding using value types and a bitmask.
type Properties struct {
	Presence               uint32
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	SubscriptionIdentifier []int
	ReasonString           string
	UserProperties         []UserProperty
}

// encodeProperties serializes the properties into the MQTT v5 format.
// Returns the bytes of the "Properties" section (Length + Props).
func encodeProperties(p *Properties) []byte {
	if p == nil {
		return []byte{0x00} // Length 0
	}
	// Pre-allocate a reasonable guess to avoid initial re-allocations
	return appendProperties(make([]byte, 0, 64), p)
}

// appendProperties appends the serialized properties to dst.
func appendProperties(dst []byte, p *Properties) []byte {
	if p == nil {
		return append(dst, 0x00)
	}

	startLen := len(dst)
	// optimistically assume 1 byte length (len < 128)
	dst = append(dst, 0)
	propsStart := len(dst)

	dst = p.appendNumeric(dst)
	dst = p.appendStringOrBinary(dst)
	dst = p.appendSpecial(dst)

	// Calculate length of the properties data
	propLen := len(dst) - propsStart

	if propLen < 128 {
		dst[startLen] = byte(propLen)
		return dst
	}

	// If it doesn't fit, in 1 byte...
	lenBuf := encodeVarInt(propLen)
	lenDiff := len(lenBuf) - 1 // we already have 1 byte reserved

	dst = append(dst, make([]byte, lenDiff)...)
	copy(dst[propsStart+lenDiff:], dst[propsStart:propsStart+propLen])
	copy(dst[startLen:], lenBuf)

	return dst
}

// decodeProperties reads the properties from the buffer.
// Returns the properties and the number of bytes read (including length).
func decodeProperties(buf []byte) (*Properties, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("buffer too short for properties length")
	}

	propLen, n, err := decodeVarIntBuf(buf)
	if err != nil {
		return nil, 0, err
	}
	totalLen := n + propLen

	if len(buf) < totalLen {
		return nil, 0, fmt.Errorf("buffer too short for properties data")
	}

	if propLen == 0 {
		return nil, totalLen, nil
	}

	p := &Properties{}
	slice := buf[n:totalLen] // View into the properties data
	offset := 0

	for offset < len(slice) {
		id := slice[offset]
		offset++

		// Try numeric
		nProp, ok, err := p.decodeNumeric(id, slice[offset:])
		if err != nil {
			return nil, 0, err
		}
		if ok {
			offset += nProp
			continue
		}

		// Try string/binary
		nProp, ok, err = p.decodeStringOrBinary(id, slice[offset:])
		if err != nil {
			return nil, 0, err
		}
		if ok {
			offset += nProp
			continue
		}

		// Try special
		nProp, ok, err = p.decodeSpecial(id, slice[offset:])
		if err != nil {
			return nil, 0, err
		}
		if ok {
			offset += nProp
			continue
		}

		// Unknown
		return nil, 0, fmt.Errorf("unsupported property ID: 0x%02x", id)
	}

	return p, totalLen, nil
}

func (p *Properties) appendNumeric(dst []byte) []byte {
	if p.Presence&PresPayloadFormatIndicator != 0 {
		dst = append(dst, PropPayloadFormatIndicator, p.PayloadFormatIndicator)
	}
	if p.Presence&PresMessageExpiryInterval != 0 {
		dst = append(dst, PropMessageExpiryInterval)
		dst = binary.BigEndian.AppendUint32(dst, p.MessageExpiryInterval)
	}
	return dst
}

func (p *Properties) appendStringOrBinary(dst []byte) []byte {
	if p.Presence&PresContentType != 0 {
		dst = append(dst, PropContentType)
		dst = appendString(dst, p.ContentType)
	}
	if p.Presence&PresResponseTopic != 0 {
		dst = append(dst, PropResponseTopic)
		dst = appendString(dst, p.ResponseTopic)
	}
	if len(p.CorrelationData) > 0 {
		dst = append(dst, PropCorrelationData)
		dst = appendBinary(dst, p.CorrelationData)
	}
	if p.Presence&PresReasonString != 0 {
		dst = append(dst, PropReasonString)
		dst = appendString(dst, p.ReasonString)
	}
	return dst
}

func (p *Properties) appendSpecial(dst []byte) []byte {
	if len(p.SubscriptionIdentifier) > 0 {
		for _, id := range p.SubscriptionIdentifier {
			dst = append(dst, PropSubscriptionIdentifier)
			dst = appendVarInt(dst, id)
		}
	}
	if len(p.UserProperties) > 0 {
		for _, up := range p.UserProperties {
			dst = append(dst, PropUserProperty)
			dst = appendString(dst, up.Key)
			dst = appendString(dst, up.Value)
		}
	}
	return dst
}

func (p *Properties) decodeNumeric(id byte, data []byte) (int, bool, error) {
	switch id {
	case PropPayloadFormatIndicator:
		if len(data) < 1 {
			return 0, false, fmt.Errorf("malformed property 0x%02x", id)
		}
		p.PayloadFormatIndicator = data[0]
		p.Presence |= PresPayloadFormatIndicator
		return 1, true, nil
	case PropMessageExpiryInterval:
		if len(data) < 4 {
			return 0, false, fmt.Errorf("malformed property 0x%02x", id)
		}
		p.MessageExpiryInterval = binary.BigEndian.Uint32(data)
		p.Presence |= PresMessageExpiryInterval
		return 4, true, nil
	}
	return 0, false, nil
}

func (p *Properties) decodeStringOrBinary(id byte, data []byte) (int, bool, error) {
	switch id {
	case PropContentType:
		s, n, err := decodeString(data)
		if err != nil {
			return 0, false, err
		}
		p.ContentType = s
		p.Presence |= PresContentType
		return n, true, nil
	case PropResponseTopic:
		s, n, err := decodeString(data)
		if err != nil {
			return 0, false, err
		}
		p.ResponseTopic = s
		p.Presence |= PresResponseTopic
		return n, true, nil
	case PropCorrelationData:
		b, n, err := decodeBinary(data)
		if err != nil {
			return 0, false, err
		}
		p.CorrelationData = b
		return n, true, nil
	case PropReasonString:
		s, n, err := decodeString(data)
		if err != nil {
			return 0, false, err
		}
		p.ReasonString = s
		p.Presence |= PresReasonString
		return n, true, nil
	}
	return 0, false, nil
}

func (p *Properties) decodeSpecial(id byte, data []byte) (int, bool, error) {
	switch id {
	case PropUserProperty:
		k, nK, err := decodeString(data)
		if err != nil {
			return 0, false, err
		}
		v, nV, err := decodeString(data[nK:])
		if err != nil {
			return 0, false, err
		}
		p.UserProperties = append(p.UserProperties, UserProperty{Key: k, Value: v})
		return nK + nV, true, nil
	case PropSubscriptionIdentifier:
		val, n, err := decodeVarIntBuf(data)
		if err != nil {
			return 0, false, err
		}
		p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, val)
		return n, true, nil
	}
	return 0, false, nil
}
