package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradesync-core/pkg/db"
)

// fakeWriter records batches and can fail a scripted number of times.
type fakeWriter struct {
	batches  [][]db.Trade
	failures int
	failWith error
}

func (f *fakeWriter) InsertTradesTx(ctx context.Context, trades []db.Trade) error {
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	f.batches = append(f.batches, trades)
	return nil
}

func mkTrades(ids ...string) []db.Trade {
	out := make([]db.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, db.Trade{ID: "row-" + id, ExchangeTradeID: id})
	}
	return out
}

func TestPersistDedup(t *testing.T) {
	w := &fakeWriter{}
	p := New(w)

	existing := map[string]struct{}{"a": {}}
	res, err := p.Persist(context.Background(), mkTrades("a", "b", "c"), existing)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want inserted 2 skipped 1", res)
	}

	// A second run over the same set must skip everything; existingIDs
	// was updated in place by the first run.
	res, err = p.Persist(context.Background(), mkTrades("a", "b", "c"), existing)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if res.Inserted != 0 || res.Skipped != 3 {
		t.Errorf("re-run result = %+v, want inserted 0 skipped 3", res)
	}
}

func TestPersistBatching(t *testing.T) {
	w := &fakeWriter{}
	p := New(w)
	p.batchSize = 2

	ids := []string{"1", "2", "3", "4", "5"}
	res, err := p.Persist(context.Background(), mkTrades(ids...), map[string]struct{}{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if res.Inserted != 5 {
		t.Errorf("inserted = %d, want 5", res.Inserted)
	}
	if len(w.batches) != 3 {
		t.Errorf("batches = %d, want 3", len(w.batches))
	}
}

func TestPersistTransientRetry(t *testing.T) {
	w := &fakeWriter{failures: 2, failWith: errors.New("database is locked")}
	p := New(w)
	p.baseDelay = time.Millisecond

	res, err := p.Persist(context.Background(), mkTrades("x"), map[string]struct{}{})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}
	if got := p.Snapshot().TotalRetries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestPersistTransientExhaustion(t *testing.T) {
	w := &fakeWriter{failures: 10, failWith: errors.New("connection reset")}
	p := New(w)
	p.baseDelay = time.Millisecond

	_, err := p.Persist(context.Background(), mkTrades("x"), map[string]struct{}{})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence after exhausted retries, got %v", err)
	}
	// one initial attempt plus two retries
	if w.failures != 7 {
		t.Errorf("attempts consumed = %d, want 3", 10-w.failures)
	}
}

func TestPersistNonTransientFailsFast(t *testing.T) {
	w := &fakeWriter{failures: 1, failWith: errors.New("UNIQUE constraint failed: trades.id")}
	p := New(w)
	p.baseDelay = time.Millisecond

	_, err := p.Persist(context.Background(), mkTrades("x"), map[string]struct{}{})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if got := p.Snapshot().TotalRetries; got != 0 {
		t.Errorf("non-transient error must not retry, got %d retries", got)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("database is locked"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("connection refused"), true},
		{context.DeadlineExceeded, true},
		{errors.New("UNIQUE constraint failed"), false},
		{errors.New("syntax error"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
