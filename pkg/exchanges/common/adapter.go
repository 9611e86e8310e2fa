package common

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter abstracts one exchange: request signing, REST endpoints and the
// shape of its trade/balance payloads. Implementations are stateless with
// respect to credentials; keys are passed per call and never retained.
type Adapter interface {
	Name() string
	FetchTrades(ctx context.Context, creds Credentials, q TradeQuery) ([]RawTrade, error)
	FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error)
	Validate(ctx context.Context, creds Credentials) (bool, error)
	Stream() StreamSpec
}

// StreamSpec describes how to run an exchange's private WebSocket feed.
type StreamSpec struct {
	URL string

	// Subscribe builds the messages to send right after the socket opens
	// (authentication and/or channel subscription). An empty slice means
	// the URL itself carries the subscription.
	Subscribe func(creds Credentials, symbols []string) [][]byte

	// Parse extracts zero or more raw trades from one inbound message.
	// Non-trade messages (acks, heartbeats, tickers) return nil.
	Parse func(msg []byte) []RawTrade

	// PingInterval keeps the socket alive; zero disables pings.
	PingInterval time.Duration
}

// Registry is a concurrency-safe name->Adapter lookup populated at
// startup. Adding an exchange means registering one implementation.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Name. Later registrations replace
// earlier ones, which keeps tests free to swap in fakes.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get resolves an exchange name, or fails with ErrUnsupportedExchange.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
	return a, nil
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
