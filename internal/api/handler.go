package api

import (
	"net/http"
	"time"

	"tradesync-core/internal/engine"
	"tradesync-core/internal/events"
	"tradesync-core/internal/monitor"
	"tradesync-core/internal/queue"
	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// Server wires the HTTP surface around the sync engine.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Engine    *engine.SyncEngine
	Jobs      *queue.JobQueue
	Registry  *common.Registry
	Metrics   *monitor.SystemMetrics
	JWTSecret string
}

func NewServer(bus *events.Bus, database *db.Database, syncEngine *engine.SyncEngine, jobs *queue.JobQueue, registry *common.Registry, metrics *monitor.SystemMetrics, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Engine:    syncEngine,
		Jobs:      jobs,
		Registry:  registry,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/exchanges", s.listExchanges)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)

			protected.POST("/connections/:id/sync", s.triggerSync)
			protected.GET("/connections/:id/sessions", s.listSessions)
			protected.GET("/connections/:id/balances", s.getBalances)
			protected.POST("/connections/:id/stream", s.startStream)
			protected.DELETE("/connections/:id/stream", s.stopStream)

			protected.GET("/trades", s.listTrades)

			protected.GET("/queue/stats", s.getQueueStats)
			protected.GET("/jobs/:id", s.getJob)
			protected.DELETE("/jobs/:id", s.cancelJob)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
