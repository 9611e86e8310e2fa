package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"tradesync-core/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client IP. The table is
// flushed wholesale on a sweep interval so one-off clients do not
// accumulate; an active client simply re-earns a fresh bucket.
type clientLimiters struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
	sweepAt   time.Time
}

const limiterSweepInterval = 5 * time.Minute

func newClientLimiters(perSecond float64, burst int) *clientLimiters {
	return &clientLimiters{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		sweepAt:   time.Now().Add(limiterSweepInterval),
	}
}

func (l *clientLimiters) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Now().After(l.sweepAt) {
		l.buckets = make(map[string]*rate.Limiter)
		l.sweepAt = time.Now().Add(limiterSweepInterval)
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[ip] = b
	}
	return b.Allow()
}

// RateLimitMiddleware rejects clients that exceed the per-IP request
// budget with 429. This guards the API surface only; outbound exchange
// pressure is governed separately by the per-exchange budgets.
func RateLimitMiddleware() gin.HandlerFunc {
	limiters := newClientLimiters(20, 50)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.allow(ip) {
			log.Printf("[API] client %s over the request budget", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware answers preflight requests and stamps the CORS headers
// the dashboard frontend needs.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware tags every request with an ID, honoring one the
// caller already carries, and echoes it back in the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// TimeoutMiddleware bounds handler time for one request. The handler
// runs on its own goroutine so the deadline can cut a response loose
// even when the handler ignores its context.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case p := <-panicked:
			log.Printf("[API] handler panic on %s %s: %v", c.Request.Method, c.Request.URL.Path, p)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":  "INTERNAL_ERROR",
				"error": "internal server error",
			})
		case <-ctx.Done():
			log.Printf("[API] timeout on %s %s", c.Request.Method, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"code":  "REQUEST_TIMEOUT",
				"error": "request processing exceeded the deadline",
			})
		}
	}
}

// shortID truncates a request ID for the access log; full IDs travel in
// the X-Request-ID header.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RequestLogger writes one access-log line per request and folds status
// and latency into the API metrics when they are wired.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if metrics != nil {
			metrics.IncrementAPI()
			metrics.APILatency.RecordDuration(latency)
			if status >= 400 {
				metrics.IncrementAPIErrors()
			}
		}

		log.Printf("[API] %s | %s %s | %d | %v | %s",
			shortID(c.GetString("RequestID")),
			c.Request.Method,
			path,
			status,
			latency,
			c.ClientIP(),
		)
	}
}
