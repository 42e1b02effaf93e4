package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepConfig enables the optional liveness sweeps. Zero durations disable them,
// leaving cursor expiry to clients and session reaping to the transport.
type SweepConfig struct {
	Interval           time.Duration
	SessionIdleTimeout time.Duration
	CursorIdleTimeout  time.Duration
}

func (c SweepConfig) enabled() bool {
	return c.Interval > 0 && (c.SessionIdleTimeout > 0 || c.CursorIdleTimeout > 0)
}

// RunSweeps runs the configured sweeps until ctx is cancelled.
func (h *Hub) RunSweeps(ctx context.Context, cfg SweepConfig) {
	if !cfg.enabled() {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.CursorIdleTimeout > 0 {
				h.ExpireCursors(cfg.CursorIdleTimeout)
			}
			if cfg.SessionIdleTimeout > 0 {
				h.SweepIdleSessions(ctx, cfg.SessionIdleTimeout)
			}
		}
	}
}

// ExpireCursors hides cursors that have not moved within maxAge.
func (h *Hub) ExpireCursors(maxAge time.Duration) int {
	h.mu.Lock()
	expired := h.rooms.ExpireCursors(h.clock().Add(-maxAge), h.emit)
	h.mu.Unlock()
	if expired > 0 {
		h.logger.Debug("stale cursors hidden", zap.Int("count", expired))
	}
	return expired
}

// SweepIdleSessions closes every connection whose session has been silent for
// longer than maxIdle and runs the disconnect cascade for it.
func (h *Hub) SweepIdleSessions(ctx context.Context, maxIdle time.Duration) int {
	h.mu.Lock()
	idle := h.sessions.IdleConnections(h.clock().Add(-maxIdle))
	peers := make([]Peer, 0, len(idle))
	for _, id := range idle {
		if peer, ok := h.peers[id]; ok {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range peers {
		h.logger.Info("closing idle realtime connection", zap.String("connection_id", peer.ID()))
		peer.Close("idle timeout")
		h.Disconnect(ctx, peer.ID())
	}
	return len(peers)
}
