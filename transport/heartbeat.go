package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"magiceye/protocol"
)

// Heartbeat tracks when the peer was last heard from and probes it on a fixed
// interval. It catches half-open sockets: a peer killed without a close frame
// never triggers a read error, it just goes quiet.
type Heartbeat struct {
	interval time.Duration
	grace    time.Duration // Zero disables death detection; Run only probes.
	lastSeen atomic.Int64
}

func NewHeartbeat(interval, grace time.Duration) *Heartbeat {
	h := &Heartbeat{interval: interval, grace: grace}
	h.Touch()
	return h
}

// Touch records a liveness signal from the peer.
func (h *Heartbeat) Touch() {
	h.lastSeen.Store(time.Now().UnixNano())
}

func (h *Heartbeat) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// Expired reports whether the peer has been silent longer than the grace window.
func (h *Heartbeat) Expired(now time.Time) bool {
	return h.grace > 0 && now.Sub(h.LastSeen()) > h.grace
}

// Run probes the peer every interval until ctx ends. It returns
// ErrHeartbeatTimeout when the grace window lapses and the probe's error when
// a probe cannot be sent; nil when ctx ends.
func (h *Heartbeat) Run(ctx context.Context, probe func() error) error {
	if h.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if h.Expired(now) {
				return fmt.Errorf("%w: peer silent for %s", protocol.ErrHeartbeatTimeout,
					now.Sub(h.LastSeen()).Round(time.Millisecond))
			}
			if err := probe(); err != nil {
				return fmt.Errorf("heartbeat probe: %w", err)
			}
		}
	}
}
