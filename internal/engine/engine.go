// Package engine orchestrates the full sync pipeline: credentials,
// adapters, normalization, PnL, persistence, sessions and streaming.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesync-core/internal/events"
	"tradesync-core/internal/normalize"
	"tradesync-core/internal/persist"
	"tradesync-core/internal/pnl"
	"tradesync-core/internal/queue"
	"tradesync-core/internal/stream"
	"tradesync-core/pkg/crypto"
	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"
)

// SyncEngine ties the pipeline together. All collaborators are injected;
// the engine holds no global state.
type SyncEngine struct {
	vault      *crypto.Vault
	registry   *common.Registry
	store      *db.Database
	normalizer *normalize.Normalizer
	persister  *persist.Persister
	jobs       *queue.JobQueue
	streams    *stream.Manager
	bus        *events.Bus
	lookback   time.Duration

	// one mutex per connection so two sync jobs for the same
	// connection never overlap; distinct connections run in parallel
	connMu   sync.Mutex
	connLock map[string]*sync.Mutex
}

type Config struct {
	Vault      *crypto.Vault
	Registry   *common.Registry
	Store      *db.Database
	Normalizer *normalize.Normalizer
	Persister  *persist.Persister
	Jobs       *queue.JobQueue
	Streams    *stream.Manager
	Bus        *events.Bus

	// Lookback is the default history window when a sync request
	// carries no start time. Zero means fetch everything the
	// exchange will return.
	Lookback time.Duration
}

func New(cfg Config) *SyncEngine {
	e := &SyncEngine{
		vault:      cfg.Vault,
		registry:   cfg.Registry,
		store:      cfg.Store,
		normalizer: cfg.Normalizer,
		persister:  cfg.Persister,
		jobs:       cfg.Jobs,
		streams:    cfg.Streams,
		bus:        cfg.Bus,
		lookback:   cfg.Lookback,
		connLock:   make(map[string]*sync.Mutex),
	}
	if e.jobs != nil {
		e.jobs.RegisterHandler(queue.TypeSync, e.handleSyncJob)
	}
	return e
}

func (e *SyncEngine) lockFor(connectionID string) *sync.Mutex {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	mu, ok := e.connLock[connectionID]
	if !ok {
		mu = &sync.Mutex{}
		e.connLock[connectionID] = mu
	}
	return mu
}

// Connect validates credentials against the exchange, seals them and
// stores the connection. The plaintext key material lives only for the
// duration of this call.
func (e *SyncEngine) Connect(ctx context.Context, userID, exchange, label string, creds common.Credentials) (*db.Connection, error) {
	adapter, err := e.registry.Get(exchange)
	if err != nil {
		return nil, err
	}

	if ok, err := adapter.Validate(ctx, creds); err != nil || !ok {
		if err == nil {
			err = common.ErrAuth
		}
		return nil, fmt.Errorf("validate %s credentials: %w", exchange, err)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	sealed, err := e.vault.Encrypt(userID, string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}

	conn := db.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExchangeName: exchange,
		Label:        label,
		Credentials:  sealed,
		Status:       db.ConnConnected,
	}
	if err := e.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}
	e.publishStatus(conn.ID, db.ConnConnected, "")
	return &conn, nil
}

// EnqueueSync schedules a historical sync job for a connection.
func (e *SyncEngine) EnqueueSync(ctx context.Context, userID, connectionID string, priority int, q common.TradeQuery) (*queue.Job, error) {
	if _, err := e.store.GetConnection(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	job := queue.NewJob(queue.TypeSync, priority, queue.SyncPayload{
		UserID:       userID,
		ConnectionID: connectionID,
		Symbol:       q.Symbol,
		Since:        q.Since,
		Until:        q.Until,
	})
	e.jobs.Enqueue(job)
	return job, nil
}

// handleSyncJob is the queue handler for historical syncs.
func (e *SyncEngine) handleSyncJob(ctx context.Context, job *queue.Job) error {
	p := job.Payload
	_, err := e.SyncHistorical(ctx, p.UserID, p.ConnectionID, common.TradeQuery{
		Symbol: p.Symbol,
		Since:  p.Since,
		Until:  p.Until,
	})
	return err
}

// SyncHistorical runs one full fetch-normalize-dedup-pnl-persist pass.
func (e *SyncEngine) SyncHistorical(ctx context.Context, userID, connectionID string, q common.TradeQuery) (*db.SyncSession, error) {
	mu := e.lockFor(connectionID)
	mu.Lock()
	defer mu.Unlock()

	conn, err := e.store.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	session := db.SyncSession{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		SyncType:     db.SyncHistorical,
	}
	if err := e.store.CreateSyncSession(ctx, session); err != nil {
		return nil, err
	}
	e.setStatus(ctx, conn.ID, db.ConnSyncing, "")
	e.bus.Publish(events.EventSyncStarted, events.SyncResult{
		ConnectionID: conn.ID, SessionID: session.ID,
	})

	result, err := e.runSync(ctx, conn, q)
	if err != nil {
		msg := err.Error()
		_ = e.store.FinishSyncSession(ctx, session.ID, db.SessionFailed, 0, 0, msg)
		if isAuthFailure(err) {
			// Bad credentials are not retryable; the user must
			// re-enter them.
			e.setStatus(ctx, conn.ID, db.ConnError, msg)
		} else {
			e.setStatus(ctx, conn.ID, db.ConnConnected, "")
		}
		e.bus.Publish(events.EventSyncFailed, events.SyncResult{
			ConnectionID: conn.ID, SessionID: session.ID, Error: msg,
		})
		return nil, err
	}

	now := time.Now().UTC()
	if err := e.store.FinishSyncSession(ctx, session.ID, db.SessionCompleted, result.Inserted, result.Skipped, ""); err != nil {
		return nil, err
	}
	_ = e.store.TouchLastSync(ctx, conn.ID, now)
	e.setStatus(ctx, conn.ID, db.ConnConnected, "")

	session.Status = db.SessionCompleted
	session.TradesSynced = result.Inserted
	session.TradesSkipped = result.Skipped
	session.CompletedAt = &now
	e.bus.Publish(events.EventSyncCompleted, events.SyncResult{
		ConnectionID:  conn.ID,
		SessionID:     session.ID,
		TradesSynced:  result.Inserted,
		TradesSkipped: result.Skipped,
	})
	log.Printf("[SyncEngine] %s synced: %d inserted, %d skipped",
		conn.ExchangeName, result.Inserted, result.Skipped)
	return &session, nil
}

// runSync performs the fetch and pipeline work for one session.
func (e *SyncEngine) runSync(ctx context.Context, conn *db.Connection, q common.TradeQuery) (persist.Result, error) {
	var zero persist.Result

	adapter, err := e.registry.Get(conn.ExchangeName)
	if err != nil {
		return zero, err
	}
	creds, err := e.openCredentials(conn)
	if err != nil {
		return zero, err
	}
	if q.Since.IsZero() && e.lookback > 0 {
		q.Since = time.Now().Add(-e.lookback)
	}

	raws, err := adapter.FetchTrades(ctx, creds, q)
	creds = common.Credentials{} // drop key material as soon as possible
	if err != nil {
		return zero, err
	}

	trades := e.normalizer.NormalizeBatch(conn.ExchangeName, raws, conn.UserID, conn.ID)
	trades = pnl.Compute(trades)

	existing, err := e.store.ExistingTradeIDs(ctx, conn.ID)
	if err != nil {
		return zero, err
	}
	result, err := e.persister.Persist(ctx, trades, existing)
	if err != nil {
		return result, err
	}
	for i := range trades {
		e.bus.Publish(events.EventTradePersisted, trades[i])
	}
	return result, nil
}

// StartStream opens a realtime session for a connection; each streamed
// fill runs through the same normalize-validate-persist pipeline.
func (e *SyncEngine) StartStream(ctx context.Context, userID, connectionID string, symbols []string) error {
	conn, err := e.store.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	adapter, err := e.registry.Get(conn.ExchangeName)
	if err != nil {
		return err
	}
	creds, err := e.openCredentials(conn)
	if err != nil {
		return err
	}

	handler := func(hctx context.Context, raws []common.RawTrade) {
		e.persistStreamed(hctx, conn, raws)
	}
	err = e.streams.Start(ctx, conn.ID, adapter.Stream(), creds, symbols, handler)
	creds = common.Credentials{}
	if err != nil {
		return err
	}
	return nil
}

// StopStream tears down a connection's realtime session.
func (e *SyncEngine) StopStream(ctx context.Context, userID, connectionID string) error {
	conn, err := e.store.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	e.streams.Stop(conn.ID)
	return nil
}

// persistStreamed pushes one parsed stream batch through the pipeline.
func (e *SyncEngine) persistStreamed(ctx context.Context, conn *db.Connection, raws []common.RawTrade) {
	mu := e.lockFor(conn.ID)
	mu.Lock()
	defer mu.Unlock()

	trades := e.normalizer.NormalizeBatch(conn.ExchangeName, raws, conn.UserID, conn.ID)
	if len(trades) == 0 {
		return
	}
	trades = pnl.Compute(trades)
	existing, err := e.store.ExistingTradeIDs(ctx, conn.ID)
	if err != nil {
		log.Printf("[SyncEngine] stream dedup load failed: %v", err)
		return
	}
	if _, err := e.persister.Persist(ctx, trades, existing); err != nil {
		log.Printf("[SyncEngine] stream persist failed: %v", err)
		return
	}
	for i := range trades {
		e.bus.Publish(events.EventTradePersisted, trades[i])
	}
}

// FetchBalances reads current asset balances straight from the exchange.
// Nothing is persisted; the decrypted credentials live only for this call.
func (e *SyncEngine) FetchBalances(ctx context.Context, userID, connectionID string) ([]common.Balance, error) {
	conn, err := e.store.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	adapter, err := e.registry.Get(conn.ExchangeName)
	if err != nil {
		return nil, err
	}
	creds, err := e.openCredentials(conn)
	if err != nil {
		return nil, err
	}
	balances, err := adapter.FetchBalance(ctx, creds)
	creds = common.Credentials{} // drop key material as soon as possible
	if err != nil {
		if isAuthFailure(err) {
			e.setStatus(ctx, conn.ID, db.ConnError, err.Error())
		}
		return nil, err
	}
	return balances, nil
}

// openCredentials unseals a connection's key material. Callers must
// scope the result to one operation.
func (e *SyncEngine) openCredentials(conn *db.Connection) (common.Credentials, error) {
	plaintext, err := e.vault.Decrypt(conn.UserID, conn.Credentials)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("unseal credentials: %w", err)
	}
	var creds common.Credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		return common.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (e *SyncEngine) setStatus(ctx context.Context, connectionID, status, errMsg string) {
	if err := e.store.UpdateConnectionStatus(ctx, connectionID, status, errMsg); err != nil {
		log.Printf("[SyncEngine] status update failed for %s: %v", connectionID, err)
		return
	}
	e.publishStatus(connectionID, status, errMsg)
}

func (e *SyncEngine) publishStatus(connectionID, status, errMsg string) {
	e.bus.Publish(events.EventConnectionStatus, events.ConnectionStatus{
		ConnectionID: connectionID,
		Status:       status,
		ErrorMessage: errMsg,
	})
}

func isAuthFailure(err error) bool {
	return errors.Is(err, common.ErrAuth) || errors.Is(err, crypto.ErrDecryptFailed)
}
