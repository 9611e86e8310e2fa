package common

import (
	"sync"

	"golang.org/x/time/rate"
)

// Budget enforces a fixed request budget per rolling 60-second window for
// one exchange. It never blocks: a request over budget fails fast so the
// job queue's retry/backoff can absorb the pressure. One Budget is shared
// by every job and stream touching the exchange.
type Budget struct {
	exchange string
	limiter  *rate.Limiter
}

// NewBudget creates a budget of n requests per rolling minute.
func NewBudget(exchange string, n int) *Budget {
	if n <= 0 {
		n = 60
	}
	return &Budget{
		exchange: exchange,
		limiter:  rate.NewLimiter(rate.Limit(float64(n)/60.0), n),
	}
}

// Take consumes one request from the window, or returns RateLimitError
// immediately when the budget is spent.
func (b *Budget) Take() error {
	if !b.limiter.Allow() {
		return &RateLimitError{Exchange: b.exchange}
	}
	return nil
}

// BudgetSet holds one Budget per exchange, created lazily.
type BudgetSet struct {
	mu      sync.Mutex
	perMin  map[string]int
	budgets map[string]*Budget
}

// NewBudgetSet builds a set with per-exchange budgets; exchanges missing
// from perMin fall back to the default.
func NewBudgetSet(perMin map[string]int) *BudgetSet {
	return &BudgetSet{
		perMin:  perMin,
		budgets: make(map[string]*Budget),
	}
}

// For returns the shared Budget for an exchange.
func (s *BudgetSet) For(exchange string) *Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.budgets[exchange]; ok {
		return b
	}
	b := NewBudget(exchange, s.perMin[exchange])
	s.budgets[exchange] = b
	return b
}
