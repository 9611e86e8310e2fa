package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// connectionView is the wire form of a connection. Sealed credential
// fields never leave the server.
type connectionView struct {
	ID           string     `json:"id"`
	ExchangeName string     `json:"exchange_name"`
	Label        string     `json:"label"`
	Status       string     `json:"status"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toConnectionView(c db.Connection) connectionView {
	return connectionView{
		ID:           c.ID,
		ExchangeName: c.ExchangeName,
		Label:        c.Label,
		Status:       c.Status,
		LastSyncAt:   c.LastSyncAt,
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt,
	}
}

func (s *Server) listExchanges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exchanges": s.Registry.Names()})
}

func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	conns, err := s.DB.GetConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, toConnectionView(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

func (s *Server) createConnection(c *gin.Context) {
	var req struct {
		Exchange   string `json:"exchange"`
		Label      string `json:"label"`
		APIKey     string `json:"api_key"`
		APISecret  string `json:"api_secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Exchange == "" || req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FIELDS", "error": "exchange, api_key and api_secret are required"})
		return
	}

	conn, err := s.Engine.Connect(c.Request.Context(), CurrentUserID(c), req.Exchange, req.Label, common.Credentials{
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		Passphrase: req.Passphrase,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"connection": toConnectionView(*conn)})
	case errors.Is(err, common.ErrUnsupportedExchange):
		c.JSON(http.StatusBadRequest, gin.H{"code": "UNSUPPORTED_EXCHANGE", "error": err.Error()})
	case errors.Is(err, common.ErrAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "EXCHANGE_AUTH_FAILED", "error": "exchange rejected the credentials"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"code": "EXCHANGE_ERROR", "error": err.Error()})
	}
}

func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()
	conn, err := s.DB.GetConnection(ctx, userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "connection not found"})
		return
	}
	if err := s.DB.UpdateConnectionStatus(ctx, conn.ID, db.ConnDisconnected, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.ConnDisconnected})
}

func (s *Server) triggerSync(c *gin.Context) {
	var req struct {
		Symbol   string `json:"symbol"`
		Since    string `json:"since"`
		Until    string `json:"until"`
		Priority int    `json:"priority"`
	}
	// Body is optional; an empty sync covers the full account history.
	_ = c.BindJSON(&req)
	if req.Priority <= 0 {
		req.Priority = 5
	}

	q := common.TradeQuery{Symbol: req.Symbol}
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RANGE", "error": "since must be RFC3339"})
			return
		}
		q.Since = t
	}
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RANGE", "error": "until must be RFC3339"})
			return
		}
		q.Until = t
	}

	job, err := s.Engine.EnqueueSync(c.Request.Context(), CurrentUserID(c), c.Param("id"), req.Priority, q)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "connection not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"priority": job.Priority,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()
	conn, err := s.DB.GetConnection(ctx, userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "connection not found"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := s.DB.GetSyncSessions(ctx, conn.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getBalances(c *gin.Context) {
	balances, err := s.Engine.FetchBalances(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"balances": balances})
	case errors.Is(err, db.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "connection not found"})
	case errors.Is(err, common.ErrAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "EXCHANGE_AUTH_FAILED", "error": "exchange rejected the credentials"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"code": "EXCHANGE_ERROR", "error": err.Error()})
	}
}

func (s *Server) startStream(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	_ = c.BindJSON(&req)

	err := s.Engine.StartStream(c.Request.Context(), CurrentUserID(c), c.Param("id"), req.Symbols)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "STREAM_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "streaming"})
}

func (s *Server) stopStream(c *gin.Context) {
	if err := s.Engine.StopStream(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) listTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	trades, err := s.DB.GetTradesByUser(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Jobs.Snapshot())
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.Jobs.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       job.ID,
		"type":     job.Type,
		"status":   job.Status,
		"attempts": job.Attempts,
		"error":    job.Error,
	})
}

func (s *Server) cancelJob(c *gin.Context) {
	if !s.Jobs.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "job not pending or processing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}
