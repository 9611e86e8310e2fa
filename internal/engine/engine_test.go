package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradesync-core/internal/events"
	"tradesync-core/internal/normalize"
	"tradesync-core/internal/persist"
	"tradesync-core/pkg/crypto"
	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"
)

// fakeAdapter plays an exchange with scripted fills.
type fakeAdapter struct {
	name      string
	trades    []common.RawTrade
	validated common.Credentials
	authFail  bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	if f.authFail {
		return nil, &common.AuthError{Exchange: f.name, Detail: "invalid API key"}
	}
	return f.trades, nil
}

func (f *fakeAdapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	if f.authFail {
		return nil, &common.AuthError{Exchange: f.name, Detail: "invalid API key"}
	}
	return []common.Balance{{Asset: "BTC", Free: 1}}, nil
}

func (f *fakeAdapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	if f.authFail {
		return false, &common.AuthError{Exchange: f.name, Detail: "invalid API key"}
	}
	f.validated = creds
	return true, nil
}

func (f *fakeAdapter) Stream() common.StreamSpec {
	return common.StreamSpec{
		URL:          "wss://example.test/ws",
		PingInterval: time.Second,
		Subscribe:    func(common.Credentials, []string) [][]byte { return nil },
		Parse:        func([]byte) []common.RawTrade { return nil },
	}
}

func binanceFill(id string, isBuyer bool, qty, price string, ts int64) common.RawTrade {
	return common.RawTrade{
		"id": id, "orderId": "o-" + id, "symbol": "BTCUSDT",
		"isBuyer": isBuyer, "qty": qty, "price": price,
		"commission": "0", "commissionAsset": "USDT",
		"time": float64(ts),
	}
}

func newTestEngine(t *testing.T, adapter common.Adapter) (*SyncEngine, *db.Database) {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	vault, err := crypto.NewVault("engine-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	registry := common.NewRegistry()
	registry.Register(adapter)

	e := New(Config{
		Vault:      vault,
		Registry:   registry,
		Store:      store,
		Normalizer: normalize.New(),
		Persister:  persist.New(store),
		Bus:        events.NewBus(),
	})
	return e, store
}

func seedEngineUser(t *testing.T, store *db.Database) string {
	t.Helper()
	if err := store.CreateUser(context.Background(), db.User{
		ID: "user-1", Email: "u@example.com", PasswordHash: "x",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return "user-1"
}

func TestEndToEndHistoricalSync(t *testing.T) {
	adapter := &fakeAdapter{
		name: "binance",
		trades: []common.RawTrade{
			binanceFill("1", true, "1", "30000", 1700000000000),
			binanceFill("2", false, "1", "31000", 1700000100000),
		},
	}
	e, store := newTestEngine(t, adapter)
	ctx := context.Background()
	userID := seedEngineUser(t, store)

	conn, err := e.Connect(ctx, userID, "binance", "main", common.Credentials{
		APIKey: "key", APISecret: "secret",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if adapter.validated.APIKey != "key" {
		t.Error("credentials never reached the adapter for validation")
	}

	session, err := e.SyncHistorical(ctx, userID, conn.ID, common.TradeQuery{})
	if err != nil {
		t.Fatalf("SyncHistorical: %v", err)
	}
	if session.TradesSynced != 2 || session.TradesSkipped != 0 {
		t.Errorf("first run synced/skipped = %d/%d, want 2/0", session.TradesSynced, session.TradesSkipped)
	}

	trades, err := store.GetTradesByConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("load trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("persisted trades = %d, want 2", len(trades))
	}
	var sell *db.Trade
	for i := range trades {
		if trades[i].Side == "sell" {
			sell = &trades[i]
		} else if trades[i].PnL != nil {
			t.Error("buy carries pnl")
		}
	}
	if sell == nil || sell.PnL == nil {
		t.Fatal("sell missing pnl")
	}
	if *sell.PnL != 1000 {
		t.Errorf("pnl = %v, want 1000", *sell.PnL)
	}

	// Immediate re-run: everything deduplicated.
	session, err = e.SyncHistorical(ctx, userID, conn.ID, common.TradeQuery{})
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if session.TradesSynced != 0 || session.TradesSkipped != 2 {
		t.Errorf("re-run synced/skipped = %d/%d, want 0/2", session.TradesSynced, session.TradesSkipped)
	}

	got, err := store.GetConnection(ctx, userID, conn.ID)
	if err != nil {
		t.Fatalf("reload connection: %v", err)
	}
	if got.Status != db.ConnConnected {
		t.Errorf("status = %s, want connected", got.Status)
	}
	if got.LastSyncAt == nil {
		t.Error("last_sync_at not stamped")
	}
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	adapter := &fakeAdapter{name: "binance", authFail: true}
	e, store := newTestEngine(t, adapter)
	ctx := context.Background()
	userID := seedEngineUser(t, store)

	if _, err := e.Connect(ctx, userID, "binance", "main", common.Credentials{APIKey: "bad"}); !errors.Is(err, common.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	conns, _ := store.GetConnectionsByUser(ctx, userID)
	if len(conns) != 0 {
		t.Error("rejected connection must not be stored")
	}
}

func TestAuthFailureMarksConnectionError(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	e, store := newTestEngine(t, adapter)
	ctx := context.Background()
	userID := seedEngineUser(t, store)

	conn, err := e.Connect(ctx, userID, "binance", "main", common.Credentials{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Keys revoked after connect.
	adapter.authFail = true
	if _, err := e.SyncHistorical(ctx, userID, conn.ID, common.TradeQuery{}); err == nil {
		t.Fatal("expected sync failure")
	}

	got, _ := store.GetConnection(ctx, userID, conn.ID)
	if got.Status != db.ConnError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error message should be recorded for remediation")
	}

	sessions, _ := store.GetSyncSessions(ctx, conn.ID, 10)
	if len(sessions) != 1 || sessions[0].Status != db.SessionFailed {
		t.Errorf("expected one failed session, got %+v", sessions)
	}
}

func TestConnectUnknownExchange(t *testing.T) {
	adapter := &fakeAdapter{name: "binance"}
	e, store := newTestEngine(t, adapter)
	userID := seedEngineUser(t, store)

	_, err := e.Connect(context.Background(), userID, "ftx", "x", common.Credentials{})
	if !errors.Is(err, common.ErrUnsupportedExchange) {
		t.Fatalf("expected unsupported exchange, got %v", err)
	}
}

func TestPerConnectionSerialization(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAdapter{name: "binance"})

	mu := e.lockFor("conn-1")
	same := e.lockFor("conn-1")
	other := e.lockFor("conn-2")
	if mu != same {
		t.Error("same connection must share a lock")
	}
	if mu == other {
		t.Error("different connections must not share a lock")
	}
}
