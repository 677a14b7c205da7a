package wire

import (
	"context"
	"log/slog"
	"time"

	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// startEvictor runs the audit-window sweep: terminal task records older than
// the configured window are dropped from the in-memory coordinator. The
// durable sink already holds them, so eviction loses nothing auditable.
func startEvictor(ctx context.Context, coordinator *state.Coordinator, cfgStore *config.Store) {
	go func() {
		ticker := time.NewTicker(cfgStore.Snapshot().Audit.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				window := cfgStore.Snapshot().Audit.Window
				cutoff := time.Now().UTC().Add(-window)
				if n := coordinator.EvictTerminalBefore(cutoff); n > 0 {
					slog.Info("evicted terminal task records past audit window", "count", n, "window", window)
				}
			}
		}
	}()
}
