package db

import (
	"time"

	"tradesync-core/pkg/crypto"
)

// Connection status values form a small state machine driven by the sync
// engine: disconnected -> connected -> syncing -> connected, with error
// as the terminal state until the user re-enters credentials.
const (
	ConnDisconnected = "disconnected"
	ConnConnected    = "connected"
	ConnSyncing      = "syncing"
	ConnError        = "error"
)

// Sync session lifecycle.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Sync types.
const (
	SyncHistorical = "historical"
	SyncRealtime   = "realtime"
)

// Connection is a user's authenticated link to one exchange account.
// Credentials are stored only in their sealed form.
type Connection struct {
	ID           string
	UserID       string
	ExchangeName string
	Label        string
	Credentials  crypto.EncryptedCredentials
	Status       string
	LastSyncAt   *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Trade is the canonical persisted fill. Immutable once written;
// (ConnectionID, ExchangeTradeID) is the dedup identity.
type Trade struct {
	ID                string
	UserID            string
	ConnectionID      string
	ExchangeTradeID   string
	Symbol            string
	Side              string
	Quantity          float64
	Price             float64
	Fee               float64
	FeeCurrency       string
	ExecutedAt        time.Time
	ExchangeTimestamp int64
	Platform          string
	OrderID           string
	PnL               *float64
	NetPnL            *float64
	RawData           string
	CreatedAt         time.Time
}

// SyncSession records one sync invocation end to end.
type SyncSession struct {
	ID            string
	ConnectionID  string
	SyncType      string
	Status        string
	TradesSynced  int
	TradesSkipped int
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// User is an application user row; kept minimal, auth lives elsewhere.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
