package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradesync-core/pkg/exchanges/common"
)

func TestFetchTradesPagesByTradeID(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		requests = append(requests, q.Get("fromId"))

		var page []map[string]any
		switch q.Get("fromId") {
		case "":
			// Full first page forces a follow-up request.
			for i := 1; i <= pageLimit; i++ {
				page = append(page, map[string]any{"id": i, "time": 1700000000000 + int64(i)})
			}
		case fmt.Sprint(pageLimit + 1):
			page = []map[string]any{
				{"id": pageLimit + 1, "time": 1700000002000},
				{"id": pageLimit + 2, "time": 1700000003000},
			}
		default:
			t.Errorf("unexpected fromId %q", q.Get("fromId"))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	a := New(common.NewBudget("binance", 1000))
	a.BaseURL = srv.URL

	trades, err := a.FetchTrades(context.Background(), common.Credentials{APIKey: "k", APISecret: "s"}, common.TradeQuery{
		Symbol: "BTC/USDT",
		Since:  time.UnixMilli(1700000000000),
	})
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	if len(trades) != pageLimit+2 {
		t.Errorf("got %d trades, want %d", len(trades), pageLimit+2)
	}
	if len(requests) != 2 {
		t.Fatalf("made %d requests, want 2", len(requests))
	}
	if requests[0] != "" || requests[1] != fmt.Sprint(pageLimit+1) {
		t.Errorf("cursor sequence = %v", requests)
	}
}

func TestFetchTradesStopsPastUntil(t *testing.T) {
	until := time.UnixMilli(1700000001000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page []map[string]any
		if r.URL.Query().Get("fromId") == "" {
			for i := 1; i <= pageLimit; i++ {
				page = append(page, map[string]any{"id": i, "time": 1700000000000 + int64(i)})
			}
		} else {
			// fromId pages cannot carry endTime; rows past the window
			// come back and must be cut client-side.
			page = []map[string]any{
				{"id": pageLimit + 1, "time": until.UnixMilli() + 5000},
			}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	a := New(common.NewBudget("binance", 1000))
	a.BaseURL = srv.URL

	trades, err := a.FetchTrades(context.Background(), common.Credentials{APIKey: "k", APISecret: "s"}, common.TradeQuery{
		Symbol: "BTC/USDT",
		Until:  until,
	})
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	if len(trades) != pageLimit {
		t.Errorf("got %d trades, want %d (rows past Until dropped)", len(trades), pageLimit)
	}
}
