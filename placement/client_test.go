package placement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != backoffMax {
		t.Fatalf("expected backoff to cap at %v, got %v", backoffMax, d)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lo := base - time.Duration(float64(base)*jitterFraction)
		hi := base + time.Duration(float64(base)*jitterFraction)
		if got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, got, lo, hi)
		}
	}
}

func TestRunReturnsWhenContextCancelled(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:0", NodeID: "node-1", HeartbeatInterval: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return once the context is cancelled")
	}
}

func TestCloseWithoutRunIsSafe(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:0", NodeID: "node-1"}, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("expected Close on an unstarted client to be a no-op, got %v", err)
	}
}
