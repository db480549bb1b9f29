package qosmachine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/robustmq/sharedispatch/cache"
	"github.com/robustmq/sharedispatch/model"
	"github.com/robustmq/sharedispatch/transport/connmgr"
)

func newHarness(t *testing.T) (*Machine, *cache.Cache, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conns := connmgr.New(logger)
	acks := cache.New()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	go io.Copy(io.Discard, clientConn) // drain whatever the machine writes

	conns.Register("conn-1", serverConn, 0, 16)
	t.Cleanup(func() { conns.Unregister("conn-1") })

	return New(conns, acks, logger), acks, "conn-1"
}

func record(clientID string, qos model.QoS, pkid uint16) model.PublishRecord {
	return model.PublishRecord{ClientID: clientID, TopicName: "t/1", QoS: qos, PacketID: pkid, Payload: []byte("x")}
}

func TestDeliverQoS0AlwaysDelivers(t *testing.T) {
	m, _, conn := newHarness(t)
	stop := make(chan struct{})

	outcome := m.Deliver(context.Background(), stop, conn, record("c1", model.AtMostOnce, 0), DefaultOptions())
	if outcome != Delivered {
		t.Fatalf("expected Delivered, got %v", outcome)
	}
}

func TestDeliverQoS1SucceedsOnPuback(t *testing.T) {
	m, acks, conn := newHarness(t)
	stop := make(chan struct{})
	rec := record("c1", model.AtLeastOnce, 5)

	done := make(chan Outcome, 1)
	go func() { done <- m.Deliver(context.Background(), stop, conn, rec, DefaultOptions()) }()

	// Give the machine a moment to register its waiter before acking.
	time.Sleep(10 * time.Millisecond)
	if !acks.Deliver("c1", cache.AckResult{Kind: cache.AckPuback, PacketID: 5}) {
		t.Fatalf("expected a registered waiter to deliver the ack to")
	}

	select {
	case outcome := <-done:
		if outcome != Delivered {
			t.Fatalf("expected Delivered, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery outcome")
	}
}

func TestDeliverQoS1TimesOutWithoutAck(t *testing.T) {
	m, _, conn := newHarness(t)
	stop := make(chan struct{})
	opts := DefaultOptions()
	opts.AckTimeout = 20 * time.Millisecond

	outcome := m.Deliver(context.Background(), stop, conn, record("c1", model.AtLeastOnce, 6), opts)
	if outcome != FailedSubscriber {
		t.Fatalf("expected FailedSubscriber on timeout, got %v", outcome)
	}
}

func TestDeliverQoS1StopSignalIsShutdown(t *testing.T) {
	m, _, conn := newHarness(t)
	stop := make(chan struct{})
	close(stop)

	outcome := m.Deliver(context.Background(), stop, conn, record("c1", model.AtLeastOnce, 7), DefaultOptions())
	if outcome != Shutdown {
		t.Fatalf("expected Shutdown, got %v", outcome)
	}
}

func TestDeliverQoS2CommitsOnPubrec(t *testing.T) {
	m, acks, conn := newHarness(t)
	stop := make(chan struct{})
	rec := record("c1", model.ExactlyOnce, 9)

	done := make(chan Outcome, 1)
	go func() { done <- m.Deliver(context.Background(), stop, conn, rec, DefaultOptions()) }()

	time.Sleep(10 * time.Millisecond)
	if !acks.Deliver("c1", cache.AckResult{Kind: cache.AckPubrec, PacketID: 9}) {
		t.Fatalf("expected a registered waiter for pubrec")
	}

	select {
	case outcome := <-done:
		if outcome != Delivered {
			t.Fatalf("expected Delivered immediately on pubrec, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pubrec-triggered commit")
	}

	// The background pubrel/pubcomp tail is still pending; completing it
	// must not panic or deadlock.
	acks.Deliver("c1", cache.AckResult{Kind: cache.AckPubcomp, PacketID: 9})
}

func TestDeliverQoS2PubrecTimeoutFailsSubscriber(t *testing.T) {
	m, _, conn := newHarness(t)
	stop := make(chan struct{})
	opts := DefaultOptions()
	opts.AckTimeout = 20 * time.Millisecond

	outcome := m.Deliver(context.Background(), stop, conn, record("c1", model.ExactlyOnce, 11), opts)
	if outcome != FailedSubscriber {
		t.Fatalf("expected FailedSubscriber on pubrec timeout, got %v", outcome)
	}
}

func TestFinishQoS2GivesUpAfterPubrelRetryLimit(t *testing.T) {
	m, acks, conn := newHarness(t)
	stop := make(chan struct{})
	opts := DefaultOptions()
	opts.AckTimeout = 10 * time.Millisecond
	opts.PubrelRetryLimit = 2
	rec := record("c1", model.ExactlyOnce, 13)

	done := make(chan Outcome, 1)
	go func() { done <- m.Deliver(context.Background(), stop, conn, rec, opts) }()

	time.Sleep(10 * time.Millisecond)
	if !acks.Deliver("c1", cache.AckResult{Kind: cache.AckPubrec, PacketID: 13}) {
		t.Fatalf("expected a registered waiter for pubrec")
	}
	if outcome := <-done; outcome != Delivered {
		t.Fatalf("expected Delivered on pubrec, got %v", outcome)
	}

	// The background pubrel/pubcomp tail never gets a pubcomp, so it must
	// exhaust PubrelRetryLimit (2 attempts * 10ms ack timeout) and release
	// the pkid rather than retry forever.
	time.Sleep(200 * time.Millisecond)
	if acks.Deliver("c1", cache.AckResult{Kind: cache.AckPubcomp, PacketID: 13}) {
		t.Fatalf("expected the pkid to be released after the pubrel retry limit was exhausted")
	}
}
