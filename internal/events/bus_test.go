package events

import "testing"

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(EventSyncCompleted, 1)
	b := bus.Subscribe(EventSyncCompleted, 1)
	defer a.Close()
	defer b.Close()

	bus.Publish(EventSyncCompleted, SyncResult{ConnectionID: "c1", TradesSynced: 3})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case v := <-sub.C:
			res, ok := v.(SyncResult)
			if !ok || res.TradesSynced != 3 {
				t.Errorf("subscriber %s: payload = %#v", name, v)
			}
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestBusSlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventTradePersisted, 1)
	defer sub.Close()

	bus.Publish(EventTradePersisted, 1)
	bus.Publish(EventTradePersisted, 2) // buffer full, must not block

	if v := <-sub.C; v != 1 {
		t.Errorf("first payload = %v, want 1", v)
	}
	select {
	case v := <-sub.C:
		t.Errorf("unexpected second payload %v", v)
	default:
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}
}

func TestBusCloseDetachesSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventJobCompleted, 1)
	sub.Close()
	if _, open := <-sub.C; open {
		t.Error("channel still open after Close")
	}
	// Publishing after Close must be a no-op, not a panic; a second
	// Close must not panic either.
	bus.Publish(EventJobCompleted, JobOutcome{JobID: "x"})
	sub.Close()
}
