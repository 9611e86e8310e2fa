package api

import (
	"log"
	"net/http"

	"tradesync-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket pushes persisted trades and sync results to the UI.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	trades := s.Bus.Subscribe(events.EventTradePersisted, 100)
	defer trades.Close()
	syncs := s.Bus.Subscribe(events.EventSyncCompleted, 16)
	defer syncs.Close()

	for {
		select {
		case msg, ok := <-trades.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "trade", "data": msg}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case msg, ok := <-syncs.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "sync", "data": msg}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
