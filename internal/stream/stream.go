// Package stream owns long-lived exchange websocket sessions: dial,
// subscribe, read, keepalive, reconnect.
package stream

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tradesync-core/internal/events"
	"tradesync-core/pkg/exchanges/common"
)

// Stream session statuses published on the bus.
const (
	StatusConnecting = "connecting"
	StatusStreaming  = "streaming"
	StatusError      = "error"
	StatusStopped    = "stopped"
)

// ErrAlreadyStreaming is returned when a connection already has a
// running session.
var ErrAlreadyStreaming = errors.New("stream already running for connection")

// Handler consumes the raw trades parsed out of one stream message.
type Handler func(ctx context.Context, raws []common.RawTrade)

// StreamStatus is the bus payload for session state changes.
type StreamStatus struct {
	ConnectionID string
	Status       string
	Error        string
}

// Manager runs one goroutine-owned session per connection.
type Manager struct {
	mu       sync.Mutex
	dial     Dialer
	bus      *events.Bus
	sessions map[string]*session

	reconnectDelay time.Duration
	maxReconnects  int
	pingInterval   time.Duration
}

type session struct {
	connectionID string
	spec         common.StreamSpec
	frames       [][]byte
	handler      Handler
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		dial:           dialWebsocket,
		bus:            bus,
		sessions:       make(map[string]*session),
		reconnectDelay: 5 * time.Second,
		maxReconnects:  5,
		pingInterval:   30 * time.Second,
	}
}

// Start opens a streaming session for a connection. The subscribe
// frames are built here so the decrypted credentials never outlive this
// call.
func (m *Manager) Start(ctx context.Context, connectionID string, spec common.StreamSpec, creds common.Credentials, symbols []string, handler Handler) error {
	frames := spec.Subscribe(creds, symbols)

	m.mu.Lock()
	if _, exists := m.sessions[connectionID]; exists {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		connectionID: connectionID,
		spec:         spec,
		frames:       frames,
		handler:      handler,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.sessions[connectionID] = s
	m.mu.Unlock()

	go m.runSession(sessCtx, s)
	return nil
}

// Stop tears down a connection's session and waits for it to exit.
func (m *Manager) Stop(connectionID string) {
	m.mu.Lock()
	s, ok := m.sessions[connectionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// Active lists connection ids with a live session.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// runSession drives the connect/read/reconnect cycle until cancelled or
// the consecutive-failure budget is spent.
func (m *Manager) runSession(ctx context.Context, s *session) {
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.connectionID)
		m.mu.Unlock()
		close(s.done)
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			m.publish(s.connectionID, StatusStopped, "")
			return
		}
		if attempts >= m.maxReconnects {
			log.Printf("[Stream] %s: gave up after %d consecutive attempts", s.connectionID, attempts)
			m.publish(s.connectionID, StatusError, "max reconnect attempts exceeded")
			return
		}
		if attempts > 0 {
			select {
			case <-ctx.Done():
				m.publish(s.connectionID, StatusStopped, "")
				return
			case <-time.After(m.reconnectDelay):
			}
		}
		attempts++

		m.publish(s.connectionID, StatusConnecting, "")
		src, err := m.dial(ctx, s.spec.URL)
		if err != nil {
			log.Printf("[Stream] %s: dial failed (attempt %d/%d): %v", s.connectionID, attempts, m.maxReconnects, err)
			continue
		}

		started := time.Now()
		if err := m.serve(ctx, s, src); err == nil {
			// Clean shutdown; do not reconnect.
			m.publish(s.connectionID, StatusStopped, "")
			return
		}
		// A session that streamed for a while resets the
		// consecutive-failure budget; quick deaths count against it.
		if time.Since(started) > m.reconnectDelay {
			attempts = 0
		}
	}
}

// serve runs one connected session: subscribe, then read until the
// socket dies or the context is cancelled. A nil return means shutdown.
func (m *Manager) serve(ctx context.Context, s *session, src MessageSource) error {
	defer src.Close()

	for _, frame := range s.frames {
		if err := src.WriteMessage(frame); err != nil {
			log.Printf("[Stream] %s: subscribe failed: %v", s.connectionID, err)
			return err
		}
	}
	m.publish(s.connectionID, StatusStreaming, "")

	pingEvery := s.spec.PingInterval
	if pingEvery <= 0 {
		pingEvery = m.pingInterval
	}

	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := src.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	lastAlive := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			log.Printf("[Stream] %s: read error: %v", s.connectionID, err)
			return err
		case msg := <-msgs:
			lastAlive = time.Now()
			if raws := s.spec.Parse(msg); len(raws) > 0 {
				s.handler(ctx, raws)
				m.bus.Publish(events.EventStreamTrade, events.SyncResult{
					ConnectionID: s.connectionID, TradesSynced: len(raws),
				})
			}
		case <-ticker.C:
			// No pong and no traffic for a full cycle means the
			// socket is dead even if reads have not failed yet.
			if alive := src.LastPong(); alive.After(lastAlive) {
				lastAlive = alive
			}
			if time.Since(lastAlive) > 2*pingEvery {
				log.Printf("[Stream] %s: heartbeat lost, dropping connection", s.connectionID)
				return errors.New("heartbeat lost")
			}
			if err := src.Ping(); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) publish(connectionID, status, errMsg string) {
	m.bus.Publish(events.EventStreamStatus, StreamStatus{
		ConnectionID: connectionID,
		Status:       status,
		Error:        errMsg,
	})
}
