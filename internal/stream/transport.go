package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageSource abstracts the websocket so sessions can be driven by a
// fake transport in tests.
type MessageSource interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	LastPong() time.Time
	Close() error
}

// Dialer opens a MessageSource for a stream URL.
type Dialer func(ctx context.Context, url string) (MessageSource, error)

// wsSource adapts a gorilla connection to MessageSource.
type wsSource struct {
	conn *websocket.Conn

	mu       sync.Mutex // serializes writes; gorilla allows one writer
	pongMu   sync.Mutex
	lastPong time.Time
}

func dialWebsocket(ctx context.Context, url string) (MessageSource, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &wsSource{conn: conn}
	conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return nil
	})
	return s, nil
}

func (s *wsSource) ReadMessage() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	return msg, err
}

func (s *wsSource) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSource) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (s *wsSource) LastPong() time.Time {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return s.lastPong
}

func (s *wsSource) Close() error {
	s.mu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.mu.Unlock()
	return s.conn.Close()
}
