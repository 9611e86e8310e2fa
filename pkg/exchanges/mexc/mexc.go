// Package mexc implements the MEXC adapter. MEXC mirrors Binance's
// signed-query dialect with its own key header and stream shape.
package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradesync-core/pkg/exchanges/common"
)

const (
	baseURL   = "https://api.mexc.com"
	streamURL = "wss://wbs.mexc.com/ws"
)

// pageLimit is the maximum rows /api/v3/myTrades returns per request.
const pageLimit = 100

// Adapter talks to MEXC's signed REST API.
type Adapter struct {
	http *common.HTTPClient

	// BaseURL overrides the production REST endpoint; tests point it
	// at a local server.
	BaseURL string
}

func New(budget *common.Budget) *Adapter {
	return &Adapter{http: common.NewHTTPClient("mexc", budget), BaseURL: baseURL}
}

func (a *Adapter) Name() string { return "mexc" }

func signedQuery(params url.Values, secret string) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	encoded := params.Encode()
	return encoded + "&signature=" + common.SignHS256Hex(encoded, secret)
}

func (a *Adapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	// MEXC caps myTrades at 100 rows and has no id cursor; advance the
	// startTime past the last fill on each page until one comes back
	// short.
	var all []common.RawTrade
	since := q.Since
	for {
		params := url.Values{}
		if q.Symbol != "" {
			params.Set("symbol", strings.ToUpper(strings.ReplaceAll(q.Symbol, "/", "")))
		}
		if !since.IsZero() {
			params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		}
		if !q.Until.IsZero() {
			params.Set("endTime", strconv.FormatInt(q.Until.UnixMilli(), 10))
		}
		params.Set("limit", strconv.Itoa(pageLimit))

		endpoint := a.BaseURL + "/api/v3/myTrades?" + signedQuery(params, creds.APISecret)
		var page []common.RawTrade
		if err := a.http.GetJSON(ctx, endpoint, map[string]string{"X-MEXC-APIKEY": creds.APIKey}, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageLimit {
			return all, nil
		}
		last := common.ToInt64(page[len(page)-1]["time"])
		next := time.UnixMilli(last + 1)
		if !next.After(since) {
			// A repeated timestamp would spin the loop forever.
			return all, nil
		}
		since = next
	}
}

func (a *Adapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	endpoint := a.BaseURL + "/api/v3/account?" + signedQuery(url.Values{}, creds.APISecret)
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := a.http.GetJSON(ctx, endpoint, map[string]string{"X-MEXC-APIKEY": creds.APIKey}, &info); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked, FetchedAt: now})
	}
	return out, nil
}

func (a *Adapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return false, fmt.Errorf("mexc: API key/secret required")
	}
	if _, err := a.FetchBalance(ctx, creds); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) Stream() common.StreamSpec {
	return common.StreamSpec{
		URL:          streamURL,
		PingInterval: 30 * time.Second,
		Subscribe: func(creds common.Credentials, symbols []string) [][]byte {
			sub, _ := json.Marshal(map[string]any{
				"method": "SUBSCRIPTION",
				"params": []string{"spot@private.deals.v3.api"},
			})
			return [][]byte{sub}
		},
		Parse: parseStreamMessage,
	}
}

// parseStreamMessage reshapes private deal pushes to myTrades names.
func parseStreamMessage(msg []byte) []common.RawTrade {
	var m struct {
		Channel string `json:"c"`
		Symbol  string `json:"s"`
		Ts      int64  `json:"t"`
		Data    struct {
			TradeID  string `json:"t"`
			OrderID  string `json:"i"`
			Price    string `json:"p"`
			Qty      string `json:"v"`
			Fee      string `json:"n"`
			FeeAsset string `json:"N"`
			TradeTyp int    `json:"S"` // 1 buy, 2 sell
			Time     int64  `json:"T"`
		} `json:"d"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil
	}
	if !strings.Contains(m.Channel, "private.deals") || m.Data.TradeID == "" {
		return nil
	}
	return []common.RawTrade{{
		"id":              m.Data.TradeID,
		"orderId":         m.Data.OrderID,
		"symbol":          m.Symbol,
		"isBuyer":         m.Data.TradeTyp == 1,
		"qty":             m.Data.Qty,
		"price":           m.Data.Price,
		"commission":      m.Data.Fee,
		"commissionAsset": m.Data.FeeAsset,
		"time":            float64(m.Data.Time),
	}}
}

var _ common.Adapter = (*Adapter)(nil)
