package kraken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradesync-core/pkg/exchanges/common"
)

func TestPairMatches(t *testing.T) {
	cases := []struct {
		pair   string
		symbol string
		want   bool
	}{
		{"XXBTZUSD", "BTC/USD", true},
		{"XBTUSDT", "BTC/USDT", true},
		{"XETHZEUR", "ETH/EUR", true},
		{"XXDGZUSD", "DOGE/USD", true},
		{"SOLUSDT", "SOL/USDT", true},
		{"XBT/USD", "BTC/USD", true}, // websocket feed form
		{"XXBTZUSD", "ETH/USD", false},
		{"XETHZEUR", "ETH/USD", false},
		{"SOLUSDT", "SOL/USD", false},
	}
	for _, c := range cases {
		t.Run(c.pair+"_"+c.symbol, func(t *testing.T) {
			if got := pairMatches(c.pair, c.symbol); got != c.want {
				t.Errorf("pairMatches(%q, %q) = %v, want %v", c.pair, c.symbol, got, c.want)
			}
		})
	}
}

func TestFetchTradesWalksOffsetAndFiltersByPair(t *testing.T) {
	const total = 60
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/TradesHistory" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		ofs := r.PostForm.Get("ofs")
		offsets = append(offsets, ofs)

		start := 0
		if ofs != "" {
			fmt.Sscanf(ofs, "%d", &start)
		}
		trades := map[string]map[string]any{}
		for i := start; i < start+pageLimit && i < total; i++ {
			pair := "XXBTZUSD"
			if i%2 == 1 {
				pair = "XETHZEUR"
			}
			trades[fmt.Sprintf("T%05d", i)] = map[string]any{"pair": pair, "price": "100"}
		}
		fmt.Fprintf(w, `{"error":[],"result":{"count":%d,"trades":%s}}`, total, toJSON(t, trades))
	}))
	defer srv.Close()

	a := New(common.NewBudget("kraken", 1000))
	a.BaseURL = srv.URL

	creds := common.Credentials{
		APIKey:    "k",
		APISecret: base64.StdEncoding.EncodeToString([]byte("kraken-secret")),
	}
	trades, err := a.FetchTrades(context.Background(), creds, common.TradeQuery{Symbol: "BTC/USD"})
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	// 60 fills alternate between XXBTZUSD and XETHZEUR; only the
	// bitcoin half matches BTC/USD.
	if len(trades) != total/2 {
		t.Errorf("got %d trades, want %d", len(trades), total/2)
	}
	for _, tr := range trades {
		if common.ToString(tr["pair"]) != "XXBTZUSD" {
			t.Errorf("trade with pair %v survived the BTC/USD filter", tr["pair"])
		}
		if common.ToString(tr["trade_id"]) == "" {
			t.Error("trade_id not backfilled from the map key")
		}
	}
	if len(offsets) != 2 || offsets[0] != "" || offsets[1] != "50" {
		t.Errorf("offset sequence = %v, want [\"\" 50]", offsets)
	}
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
