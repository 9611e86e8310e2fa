package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradesync-core/pkg/crypto"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func seedUser(t *testing.T, d *Database) string {
	t.Helper()
	id := uuid.NewString()
	err := d.CreateUser(context.Background(), User{
		ID:           id,
		Email:        id + "@example.com",
		PasswordHash: "x",
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedConnection(t *testing.T, d *Database, userID string) Connection {
	t.Helper()
	c := Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExchangeName: "binance",
		Label:        "main",
		Credentials: crypto.EncryptedCredentials{
			Ciphertext: "c", IV: "i", Salt: "s",
		},
		Status: ConnDisconnected,
	}
	if err := d.CreateConnection(context.Background(), c); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return c
}

func TestConnectionLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	userID := seedUser(t, d)
	c := seedConnection(t, d, userID)

	got, err := d.GetConnection(ctx, userID, c.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.ExchangeName != "binance" || got.Status != ConnDisconnected {
		t.Errorf("unexpected connection: %+v", got)
	}
	if got.Credentials.Ciphertext != "c" || got.Credentials.IV != "i" || got.Credentials.Salt != "s" {
		t.Errorf("sealed credentials did not round-trip: %+v", got.Credentials)
	}

	if err := d.UpdateConnectionStatus(ctx, c.ID, ConnError, "invalid API key"); err != nil {
		t.Fatalf("UpdateConnectionStatus: %v", err)
	}
	got, err = d.GetConnection(ctx, userID, c.ID)
	if err != nil {
		t.Fatalf("GetConnection after update: %v", err)
	}
	if got.Status != ConnError || got.ErrorMessage != "invalid API key" {
		t.Errorf("status update not applied: %+v", got)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := d.TouchLastSync(ctx, c.ID, now); err != nil {
		t.Fatalf("TouchLastSync: %v", err)
	}
	got, _ = d.GetConnection(ctx, userID, c.ID)
	if got.LastSyncAt == nil {
		t.Fatal("last_sync_at not set")
	}
}

func TestGetConnectionScoping(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	owner := seedUser(t, d)
	other := seedUser(t, d)
	c := seedConnection(t, d, owner)

	if _, err := d.GetConnection(ctx, other, c.ID); err != ErrConnectionNotFound {
		t.Errorf("expected ErrConnectionNotFound for foreign user, got %v", err)
	}
	if _, err := d.GetConnection(ctx, "", c.ID); err != ErrUserIDRequired {
		t.Errorf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestInsertTradesDedup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	userID := seedUser(t, d)
	c := seedConnection(t, d, userID)

	mkTrade := func(exchangeTradeID string) Trade {
		return Trade{
			ID:              uuid.NewString(),
			UserID:          userID,
			ConnectionID:    c.ID,
			ExchangeTradeID: exchangeTradeID,
			Symbol:          "BTC/USDT",
			Side:            "buy",
			Quantity:        1,
			Price:           30000,
			ExecutedAt:      time.Now().UTC(),
			Platform:        "binance",
			RawData:         "{}",
		}
	}

	if err := d.InsertTradesTx(ctx, []Trade{mkTrade("t1"), mkTrade("t2")}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Redelivery of t1 must be silently ignored by the unique constraint.
	if err := d.InsertTradesTx(ctx, []Trade{mkTrade("t1"), mkTrade("t3")}); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	trades, err := d.GetTradesByConnection(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetTradesByConnection: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(trades))
	}

	ids, err := d.ExistingTradeIDs(ctx, c.ID)
	if err != nil {
		t.Fatalf("ExistingTradeIDs: %v", err)
	}
	for _, want := range []string{"t1", "t2", "t3"} {
		if _, ok := ids[want]; !ok {
			t.Errorf("missing trade id %q", want)
		}
	}
}

func TestSyncSessionTerminal(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	userID := seedUser(t, d)
	c := seedConnection(t, d, userID)

	s := SyncSession{ID: uuid.NewString(), ConnectionID: c.ID, SyncType: SyncHistorical}
	if err := d.CreateSyncSession(ctx, s); err != nil {
		t.Fatalf("CreateSyncSession: %v", err)
	}
	if err := d.FinishSyncSession(ctx, s.ID, SessionCompleted, 5, 2, ""); err != nil {
		t.Fatalf("FinishSyncSession: %v", err)
	}
	// A finished session must not be rewritten.
	if err := d.FinishSyncSession(ctx, s.ID, SessionFailed, 0, 0, "late failure"); err != nil {
		t.Fatalf("second FinishSyncSession: %v", err)
	}

	sessions, err := d.GetSyncSessions(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("GetSyncSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Status != SessionCompleted || got.TradesSynced != 5 || got.TradesSkipped != 2 {
		t.Errorf("session mutated after completion: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}
