package packets

import (
	"bytes"
	"testing"
)

func encodeToBytes(pkt Packet) []byte {
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestPublishPacketQoS0(t *testing.T) {
	pkt := &PublishPacket{
		Topic:   "test/topic",
		QoS:     0,
		Retain:  false,
		Payload: []byte("hello world"),
	}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePublish(remaining, &header, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.Topic != pkt.Topic {
		t.Errorf("topic = %s, want %s", decoded.Topic, pkt.Topic)
	}
	if decoded.QoS != pkt.QoS {
		t.Errorf("QoS = %d, want %d", decoded.QoS, pkt.QoS)
	}
	if !bytes.Equal(decoded.Payload, pkt.Payload) {
		t.Errorf("payload = %v, want %v", decoded.Payload, pkt.Payload)
	}
}

func TestPublishPacketQoS1(t *testing.T) {
	pkt := &PublishPacket{
		Topic:    "test/topic",
		QoS:      1,
		PacketID: 42,
		Retain:   true,
		Dup:      false,
		Payload:  []byte("hello"),
	}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePublish(remaining, &header, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.PacketID != pkt.PacketID {
		t.Errorf("packet ID = %d, want %d", decoded.PacketID, pkt.PacketID)
	}
	if decoded.Retain != pkt.Retain {
		t.Errorf("retain = %v, want %v", decoded.Retain, pkt.Retain)
	}
}

func TestPubackPacket(t *testing.T) {
	pkt := &PubackPacket{PacketID: 123}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePuback(remaining, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.PacketID != pkt.PacketID {
		t.Errorf("packet ID = %d, want %d", decoded.PacketID, pkt.PacketID)
	}
}

func TestPubrecPacket(t *testing.T) {
	pkt := &PubrecPacket{PacketID: 77}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePubrec(remaining, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.PacketID != pkt.PacketID {
		t.Errorf("packet ID = %d, want %d", decoded.PacketID, pkt.PacketID)
	}
}

func TestPubrelPacket(t *testing.T) {
	pkt := &PubrelPacket{PacketID: 88}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	if header.Flags != 0x02 {
		t.Errorf("PUBREL flags = %#x, want 0x02", header.Flags)
	}
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePubrel(remaining, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.PacketID != pkt.PacketID {
		t.Errorf("packet ID = %d, want %d", decoded.PacketID, pkt.PacketID)
	}
}

func TestPubcompPacket(t *testing.T) {
	pkt := &PubcompPacket{PacketID: 99}

	encoded := encodeToBytes(pkt)
	r := bytes.NewReader(encoded)
	header, _ := DecodeFixedHeader(r)
	remaining := make([]byte, header.RemainingLength)
	_, _ = r.Read(remaining) // Safe to ignore: reading from in-memory buffer

	decoded, err := DecodePubcomp(remaining, 4)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.PacketID != pkt.PacketID {
		t.Errorf("packet ID = %d, want %d", decoded.PacketID, pkt.PacketID)
	}
}

// TestReadPacket exercises ReadPacket against the packet types connmgr's
// read loop and write loop move: a delivered PUBLISH at QoS 0 and QoS 1, the
// PUBREL the QoS machine sends, and the PUBACK/PUBREC/PUBCOMP acks it waits
// on.
func TestReadPacket(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"PUBLISH QoS0", &PublishPacket{Topic: "test", QoS: 0, Payload: []byte("data")}},
		{"PUBLISH QoS1", &PublishPacket{Topic: "test", QoS: 1, PacketID: 1, Payload: []byte("data")}},
		{"PUBACK", &PubackPacket{PacketID: 42}},
		{"PUBREC", &PubrecPacket{PacketID: 43}},
		{"PUBREL", &PubrelPacket{PacketID: 44}},
		{"PUBCOMP", &PubcompPacket{PacketID: 45}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := encodeToBytes(tt.pkt)
			r := bytes.NewReader(encoded)

			decoded, err := ReadPacket(r, 4, 0)
			if err != nil {
				t.Fatalf("ReadPacket() error = %v", err)
			}

			if decoded.Type() != tt.pkt.Type() {
				t.Errorf("packet type = %d, want %d", decoded.Type(), tt.pkt.Type())
			}
		})
	}
}
