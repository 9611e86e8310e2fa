package events

// Event enumerates high-level topics inside the sync engine.
type Event string

const (
	EventTradePersisted   Event = "trade.persisted"
	EventSyncStarted      Event = "sync.started"
	EventSyncCompleted    Event = "sync.completed"
	EventSyncFailed       Event = "sync.failed"
	EventConnectionStatus Event = "connection.status"
	EventJobCompleted     Event = "job.completed"
	EventJobFailed        Event = "job.failed"
	EventStreamTrade      Event = "stream.trade"
	EventStreamStatus     Event = "stream.status"
)

// SyncResult is the payload for sync.completed / sync.failed.
type SyncResult struct {
	ConnectionID  string
	SessionID     string
	TradesSynced  int
	TradesSkipped int
	Error         string
}

// ConnectionStatus is the payload for connection.status transitions.
type ConnectionStatus struct {
	ConnectionID string
	Status       string
	ErrorMessage string
}

// JobOutcome is the payload for job.completed / job.failed.
type JobOutcome struct {
	JobID    string
	Type     string
	Attempts int
	Error    string
}
