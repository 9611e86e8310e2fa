package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tradesync-core/internal/engine"
	"tradesync-core/internal/events"
	"tradesync-core/internal/monitor"
	"tradesync-core/internal/normalize"
	"tradesync-core/internal/persist"
	"tradesync-core/internal/queue"
	"tradesync-core/pkg/crypto"
	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"
)

// fakeAdapter accepts any credentials and serves no trades.
type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) Stream() common.StreamSpec {
	return common.StreamSpec{
		URL:       "wss://example.test/ws",
		Subscribe: func(common.Credentials, []string) [][]byte { return nil },
		Parse:     func([]byte) []common.RawTrade { return nil },
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	vault, err := crypto.NewVault("api-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	registry := common.NewRegistry()
	registry.Register(&fakeAdapter{name: "binance"})

	bus := events.NewBus()
	recordStore := queue.NewRecordStore()
	jobs := queue.New(recordStore, queue.NewWorkerRegistry(recordStore, time.Second), bus)

	syncEngine := engine.New(engine.Config{
		Vault:      vault,
		Registry:   registry,
		Store:      store,
		Normalizer: normalize.New(),
		Persister:  persist.New(store),
		Jobs:       jobs,
		Bus:        bus,
	})

	return NewServer(bus, store, syncEngine, jobs, registry, monitor.NewSystemMetrics(), "test-jwt-secret")
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": "trader@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, s, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "trader@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in login response: %s", w.Body)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/connections", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status %d, want 401", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/api/connections", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", w.Code)
	}
}

func TestConnectionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/connections", token, gin.H{
		"exchange": "binance", "label": "main",
		"api_key": "k", "api_secret": "sec",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create connection: status %d: %s", w.Code, w.Body)
	}
	var created struct {
		Connection struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"connection"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Connection.Status != db.ConnConnected {
		t.Errorf("status = %s, want connected", created.Connection.Status)
	}

	// Credential material must never appear in any response.
	if bytes.Contains(w.Body.Bytes(), []byte("sec")) && bytes.Contains(w.Body.Bytes(), []byte("api_secret")) {
		t.Error("response leaks credential fields")
	}

	w = doJSON(t, s, http.MethodGet, "/api/connections", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list connections: %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("ciphertext")) {
		t.Error("list response exposes sealed credentials")
	}

	w = doJSON(t, s, http.MethodPost, "/api/connections/"+created.Connection.ID+"/sync", token, gin.H{"priority": 7})
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger sync: status %d: %s", w.Code, w.Body)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil || accepted.JobID == "" {
		t.Fatalf("no job id: %s", w.Body)
	}

	w = doJSON(t, s, http.MethodGet, "/api/jobs/"+accepted.JobID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get job: %d", w.Code)
	}

	w = doJSON(t, s, http.MethodDelete, "/api/connections/"+created.Connection.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", w.Code)
	}
}

func TestCreateConnectionValidation(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/connections", token, gin.H{"exchange": "binance"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing keys: status %d, want 400", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/connections", token, gin.H{
		"exchange": "ftx", "api_key": "k", "api_secret": "s",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown exchange: status %d, want 400", w.Code)
	}
}

func TestListExchanges(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/exchanges", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list exchanges: %d", w.Code)
	}
	var resp struct {
		Exchanges []string `json:"exchanges"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Exchanges) != 1 || resp.Exchanges[0] != "binance" {
		t.Errorf("exchanges = %v", resp.Exchanges)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/queue/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue stats: %d", w.Code)
	}
	var stats queue.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body gin.H
		want int
	}{
		{"missing email", gin.H{"password": "p"}, http.StatusBadRequest},
		{"bad email", gin.H{"email": "not-an-email", "password": "p"}, http.StatusBadRequest},
		{"ok", gin.H{"email": "a@b.com", "password": "p"}, http.StatusCreated},
		{"duplicate", gin.H{"email": "a@b.com", "password": "p"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.want, w.Body)
			}
		})
	}
}
