// Package persist writes normalized trades to the database with
// deduplication and transient-error retry.
package persist

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"tradesync-core/pkg/db"
)

// ErrPersistence wraps a non-transient write failure after retries are
// exhausted or skipped.
var ErrPersistence = errors.New("persistence failure")

// Result summarizes one Persist call.
type Result struct {
	Inserted int
	Skipped  int
}

// Metrics tracks cumulative persister activity.
type Metrics struct {
	TotalInserted uint64 `json:"total_inserted"`
	TotalSkipped  uint64 `json:"total_skipped"`
	TotalBatches  uint64 `json:"total_batches"`
	TotalRetries  uint64 `json:"total_retries"`
	TotalErrors   uint64 `json:"total_errors"`
}

// TradeWriter is the slice of the database the persister needs.
type TradeWriter interface {
	InsertTradesTx(ctx context.Context, trades []db.Trade) error
}

// Persister batches trade inserts in transactions.
type Persister struct {
	store       TradeWriter
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
	metrics     Metrics
}

func New(store TradeWriter) *Persister {
	return &Persister{
		store:       store,
		batchSize:   200,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// Persist writes trades not already present in existingIDs. Trades whose
// exchange id is known are counted as skipped and never re-written.
// Batches that fail with a transient error are retried with exponential
// backoff; non-transient errors fail the batch immediately.
func (p *Persister) Persist(ctx context.Context, trades []db.Trade, existingIDs map[string]struct{}) (Result, error) {
	var res Result

	fresh := make([]db.Trade, 0, len(trades))
	for _, t := range trades {
		if _, seen := existingIDs[t.ExchangeTradeID]; seen {
			res.Skipped++
			continue
		}
		existingIDs[t.ExchangeTradeID] = struct{}{}
		fresh = append(fresh, t)
	}
	atomic.AddUint64(&p.metrics.TotalSkipped, uint64(res.Skipped))

	for start := 0; start < len(fresh); start += p.batchSize {
		end := start + p.batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[start:end]
		if err := p.writeBatch(ctx, batch); err != nil {
			atomic.AddUint64(&p.metrics.TotalErrors, 1)
			return res, err
		}
		res.Inserted += len(batch)
		atomic.AddUint64(&p.metrics.TotalInserted, uint64(len(batch)))
		atomic.AddUint64(&p.metrics.TotalBatches, 1)
	}
	return res, nil
}

func (p *Persister) writeBatch(ctx context.Context, batch []db.Trade) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay * (1 << attempt)
			atomic.AddUint64(&p.metrics.TotalRetries, 1)
			log.Printf("[Persister] transient write failure, retry %d in %v: %v", attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = p.store.InsertTradesTx(ctx, batch)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return errors.Join(ErrPersistence, lastErr)
		}
	}
	return errors.Join(ErrPersistence, lastErr)
}

// Snapshot returns a copy of the cumulative metrics.
func (p *Persister) Snapshot() Metrics {
	return Metrics{
		TotalInserted: atomic.LoadUint64(&p.metrics.TotalInserted),
		TotalSkipped:  atomic.LoadUint64(&p.metrics.TotalSkipped),
		TotalBatches:  atomic.LoadUint64(&p.metrics.TotalBatches),
		TotalRetries:  atomic.LoadUint64(&p.metrics.TotalRetries),
		TotalErrors:   atomic.LoadUint64(&p.metrics.TotalErrors),
	}
}

// isTransient classifies database errors worth retrying: lock and
// connection-level failures clear up on their own, constraint and syntax
// errors do not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked", "busy", "timeout", "connection",
		"deadlock", "serialization",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
