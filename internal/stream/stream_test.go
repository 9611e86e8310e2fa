package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradesync-core/internal/events"
	"tradesync-core/pkg/exchanges/common"
)

// fakeSource feeds scripted messages and records written frames.
type fakeSource struct {
	mu       sync.Mutex
	incoming chan []byte
	written  [][]byte
	closed   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{incoming: make(chan []byte, 16)}
}

func (f *fakeSource) ReadMessage() ([]byte, error) {
	msg, ok := <-f.incoming
	if !ok {
		return nil, errors.New("connection closed")
	}
	return msg, nil
}

func (f *fakeSource) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeSource) Ping() error         { return nil }
func (f *fakeSource) LastPong() time.Time { return time.Now() }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func testSpec() common.StreamSpec {
	return common.StreamSpec{
		URL:          "wss://example.test/ws",
		PingInterval: 50 * time.Millisecond,
		Subscribe: func(creds common.Credentials, symbols []string) [][]byte {
			msg, _ := json.Marshal(map[string]any{"op": "subscribe", "args": symbols})
			return [][]byte{msg}
		},
		Parse: func(msg []byte) []common.RawTrade {
			var t common.RawTrade
			if err := json.Unmarshal(msg, &t); err != nil {
				return nil
			}
			if _, ok := t["id"]; !ok {
				return nil
			}
			return []common.RawTrade{t}
		},
	}
}

func TestStreamSubscribeAndParse(t *testing.T) {
	src := newFakeSource()
	bus := events.NewBus()
	m := NewManager(bus)
	m.reconnectDelay = 5 * time.Millisecond
	m.dial = func(ctx context.Context, url string) (MessageSource, error) { return src, nil }

	got := make(chan common.RawTrade, 4)
	handler := func(ctx context.Context, raws []common.RawTrade) {
		for _, r := range raws {
			got <- r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := m.Start(ctx, "conn-1", testSpec(), common.Credentials{APIKey: "k"}, []string{"BTC/USDT"}, handler)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.incoming <- []byte(`{"id":"t1","price":"100"}`)
	src.incoming <- []byte(`{"noise":true}`)
	src.incoming <- []byte(`{"id":"t2","price":"101"}`)

	for _, want := range []string{"t1", "t2"} {
		select {
		case raw := <-got:
			if raw["id"] != want {
				t.Errorf("trade id = %v, want %s", raw["id"], want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("trade %s never arrived", want)
		}
	}

	frames := src.frames()
	if len(frames) != 1 {
		t.Fatalf("subscribe frames = %d, want 1", len(frames))
	}
	var sub map[string]any
	if err := json.Unmarshal(frames[0], &sub); err != nil || sub["op"] != "subscribe" {
		t.Errorf("unexpected subscribe frame: %s", frames[0])
	}
}

func TestStreamDuplicateStart(t *testing.T) {
	src := newFakeSource()
	m := NewManager(events.NewBus())
	m.dial = func(ctx context.Context, url string) (MessageSource, error) { return src, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "conn-1", testSpec(), common.Credentials{}, nil, func(context.Context, []common.RawTrade) {}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(ctx, "conn-1", testSpec(), common.Credentials{}, nil, func(context.Context, []common.RawTrade) {}); !errors.Is(err, ErrAlreadyStreaming) {
		t.Errorf("expected ErrAlreadyStreaming, got %v", err)
	}
}

func TestStreamReconnectBudget(t *testing.T) {
	bus := events.NewBus()
	statuses := bus.Subscribe(events.EventStreamStatus, 32)
	defer statuses.Close()

	m := NewManager(bus)
	m.reconnectDelay = time.Millisecond
	var dials atomic.Int32
	m.dial = func(ctx context.Context, url string) (MessageSource, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := m.Start(ctx, "conn-1", testSpec(), common.Credentials{}, nil, func(context.Context, []common.RawTrade) {})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-statuses.C:
			st, ok := v.(StreamStatus)
			if !ok {
				continue
			}
			if st.Status == StatusError {
				if got := dials.Load(); got != 5 {
					t.Errorf("dial attempts = %d, want 5", got)
				}
				waitUntil(t, func() bool { return len(m.Active()) == 0 })
				return
			}
		case <-deadline:
			t.Fatal("never reached error status")
		}
	}
}

func TestStreamStop(t *testing.T) {
	src := newFakeSource()
	m := NewManager(events.NewBus())
	m.dial = func(ctx context.Context, url string) (MessageSource, error) { return src, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, "conn-1", testSpec(), common.Credentials{}, nil, func(context.Context, []common.RawTrade) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Stop("conn-1")
	if len(m.Active()) != 0 {
		t.Error("session still listed after Stop")
	}
}
