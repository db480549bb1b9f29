// Package placement is a minimal client for the cluster's placement-center
// service: periodic node heartbeats so the placement center can detect a
// dead broker and reassign its share-leaderships. Dispatch itself never
// blocks on this package; a placement outage degrades to "this node's
// leaderships go stale at the placement center's discretion," not to a
// stalled dispatcher.
//
// The reconnect-with-backoff run loop is grounded on the agent/connection
// pattern used elsewhere in the retrieval pack for a long-lived gRPC
// session (dial, register, loop until failure, backoff, redial). Because
// the placement-center's real wire contract is generated protobuf this
// repo never had a build for, requests are carried as google.protobuf.Struct
// payloads over grpc.ClientConn.Invoke directly rather than through
// hand-authored (and unverifiable) generated service stubs.
package placement

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// heartbeatMethod is the placement-center RPC this client calls. It is a
// plain gRPC method path, not a generated stub: the request and response
// are both google.protobuf.Struct, so no .proto-derived Go types are
// required on this side of the wire.
const heartbeatMethod = "/robustmq.placement.PlacementCenterService/ReportNodeHeartbeat"

// Config configures the placement-center client.
type Config struct {
	// Addr is the placement-center's gRPC address (host:port).
	Addr string
	// NodeID identifies this broker node to the placement center.
	NodeID string
	// HeartbeatInterval is how often ReportNodeHeartbeat is called on a
	// live session.
	HeartbeatInterval time.Duration
}

// Client maintains a reconnecting gRPC session to the placement center and
// reports this node's liveness on a fixed interval.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// New returns a placement client. Call Run to start the connection loop.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Run connects to the placement center and heartbeats until ctx is
// cancelled, reconnecting with exponential backoff and jitter on any
// failure. It only returns once ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for ctx.Err() == nil {
		if err := c.session(ctx); err != nil {
			c.logger.Warn("placement: session ended, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

// session dials once, heartbeats on HeartbeatInterval, and returns when the
// connection fails or ctx is cancelled (cancellation is not an error).
func (c *Client) session(ctx context.Context) error {
	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("placement: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// Send one heartbeat immediately rather than waiting a full interval
	// after a fresh connection.
	if err := c.heartbeat(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.heartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *grpc.ClientConn) error {
	req, err := structpb.NewStruct(map[string]any{
		"node_id":      c.cfg.NodeID,
		"timestamp_ms": float64(time.Now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("placement: build heartbeat request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, heartbeatMethod, req, resp); err != nil {
		return fmt.Errorf("placement: ReportNodeHeartbeat: %w", err)
	}
	return nil
}

// Close tears down the current connection, if any. Safe to call even if Run
// has never been called or the session is mid-reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration(rand.Float64()*2*delta-delta)
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}
