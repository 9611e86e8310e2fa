package common

import "time"

// Side denotes trade side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Credentials holds decrypted API material for one request. Callers must
// scope it to a single operation and drop it afterwards; nothing in this
// package retains a reference.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // kucoin/okx/bitget only
}

// RawTrade is one fill exactly as the exchange returned it: the decoded
// JSON object, untouched. Field extraction happens in the normalizer.
type RawTrade map[string]any

// Balance represents one asset balance on an exchange account.
type Balance struct {
	Asset     string
	Free      float64
	Locked    float64
	FetchedAt time.Time
}

// TradeQuery bounds a historical fetch. Zero values mean "no bound";
// Symbol may be empty on exchanges that support account-wide queries.
type TradeQuery struct {
	Symbol string
	Since  time.Time
	Until  time.Time
}
