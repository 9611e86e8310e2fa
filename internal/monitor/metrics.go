// Package monitor aggregates runtime metrics for the sync engine.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks API, sync and persistence activity.
type SystemMetrics struct {
	// Latency histograms
	APILatency  *LatencyHistogram
	SyncLatency *LatencyHistogram
	DBLatency   *LatencyHistogram

	apiRequests   uint64
	apiErrors     uint64
	tradesSynced  uint64
	tradesSkipped uint64
	jobsCompleted uint64
	jobsFailed    uint64

	startedAt time.Time
}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		APILatency:  NewLatencyHistogram(1000),
		SyncLatency: NewLatencyHistogram(1000),
		DBLatency:   NewLatencyHistogram(1000),
		startedAt:   time.Now(),
	}
}

func (m *SystemMetrics) IncrementAPI()       { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }
func (m *SystemMetrics) AddSynced(n int)     { atomic.AddUint64(&m.tradesSynced, uint64(n)) }
func (m *SystemMetrics) AddSkipped(n int)    { atomic.AddUint64(&m.tradesSkipped, uint64(n)) }
func (m *SystemMetrics) IncrementJobDone()   { atomic.AddUint64(&m.jobsCompleted, 1) }
func (m *SystemMetrics) IncrementJobFailed() { atomic.AddUint64(&m.jobsFailed, 1) }

// Snapshot returns a JSON-friendly view of all metrics.
func (m *SystemMetrics) Snapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{
		"uptime_seconds": int(time.Since(m.startedAt).Seconds()),
		"api_requests":   atomic.LoadUint64(&m.apiRequests),
		"api_errors":     atomic.LoadUint64(&m.apiErrors),
		"trades_synced":  atomic.LoadUint64(&m.tradesSynced),
		"trades_skipped": atomic.LoadUint64(&m.tradesSkipped),
		"jobs_completed": atomic.LoadUint64(&m.jobsCompleted),
		"jobs_failed":    atomic.LoadUint64(&m.jobsFailed),
		"api_latency":    m.APILatency.Stats(),
		"sync_latency":   m.SyncLatency.Stats(),
		"db_latency":     m.DBLatency.Stats(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  mem.HeapAlloc / 1024 / 1024,
	}
}

// LatencyHistogram tracks latency samples over a sliding window with
// lazily computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when
// samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}
