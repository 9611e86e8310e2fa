package monitor

import (
	"context"

	"tradesync-core/internal/events"
)

// Watch folds bus events into the metrics counters until ctx ends.
func Watch(ctx context.Context, m *SystemMetrics, bus *events.Bus) {
	syncs := bus.Subscribe(events.EventSyncCompleted, 64)
	done := bus.Subscribe(events.EventJobCompleted, 64)
	failed := bus.Subscribe(events.EventJobFailed, 64)

	go func() {
		defer syncs.Close()
		defer done.Close()
		defer failed.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-syncs.C:
				if !ok {
					return
				}
				if r, ok := v.(events.SyncResult); ok {
					m.AddSynced(r.TradesSynced)
					m.AddSkipped(r.TradesSkipped)
				}
			case _, ok := <-done.C:
				if !ok {
					return
				}
				m.IncrementJobDone()
			case _, ok := <-failed.C:
				if !ok {
					return
				}
				m.IncrementJobFailed()
			}
		}
	}()
}
