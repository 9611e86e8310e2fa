// Package binance implements the Binance spot adapter.
package binance

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
	baseURL    = "https://api.binance.com"
	streamURL  = "wss://stream.binance.com:9443/ws"
	recvWindow = 5000
)

// pageLimit is the maximum rows /api/v3/myTrades returns per request.
const pageLimit = 1000

// Adapter talks to Binance's signed REST API and user stream dialect.
type Adapter struct {
	http *common.HTTPClient

	// BaseURL overrides the production REST endpoint; tests point it
	// at a local server.
	BaseURL string
}

func New(budget *common.Budget) *Adapter {
	return &Adapter{http: common.NewHTTPClient("binance", budget), BaseURL: baseURL}
}

func (a *Adapter) Name() string { return "binance" }

// signedQuery appends timestamp/recvWindow and the HMAC-SHA256 hex
// signature Binance expects in the query string.
func signedQuery(params url.Values, secret string) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindow))
	encoded := params.Encode()
	return encoded + "&signature=" + common.SignHS256Hex(encoded, secret)
}

func (a *Adapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	// Binance pages by trade id: the first request carries the time
	// window, follow-ups resume from fromId (the API rejects fromId
	// combined with startTime/endTime, so later pages bound the window
	// client-side).
	var all []common.RawTrade
	fromID := int64(-1)
	for {
		params := url.Values{}
		if q.Symbol != "" {
			params.Set("symbol", strings.ToUpper(strings.ReplaceAll(q.Symbol, "/", "")))
		}
		if fromID >= 0 {
			params.Set("fromId", strconv.FormatInt(fromID, 10))
		} else {
			if !q.Since.IsZero() {
				params.Set("startTime", strconv.FormatInt(q.Since.UnixMilli(), 10))
			}
			if !q.Until.IsZero() {
				params.Set("endTime", strconv.FormatInt(q.Until.UnixMilli(), 10))
			}
		}
		params.Set("limit", strconv.Itoa(pageLimit))

		endpoint := a.BaseURL + "/api/v3/myTrades?" + signedQuery(params, creds.APISecret)
		var page []common.RawTrade
		if err := a.http.GetJSON(ctx, endpoint, map[string]string{"X-MBX-APIKEY": creds.APIKey}, &page); err != nil {
			return nil, err
		}
		for _, t := range page {
			if fromID >= 0 && !q.Until.IsZero() && common.ToInt64(t["time"]) > q.Until.UnixMilli() {
				return all, nil
			}
			all = append(all, t)
		}
		if len(page) < pageLimit {
			return all, nil
		}
		fromID = common.ToInt64(page[len(page)-1]["id"]) + 1
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
	if err := a.http.GetJSON(ctx, endpoint, map[string]string{"X-MBX-APIKEY": creds.APIKey}, &info); err != nil {
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
		return false, fmt.Errorf("binance: API key/secret required")
	}
	if _, err := a.FetchBalance(ctx, creds); err != nil {
		return false, err
	}
	return true, nil
}

// Stream describes the Binance user-data dialect. Execution reports are
// reshaped to /api/v3/myTrades field names so one normalizer mapping
// serves both paths.
func (a *Adapter) Stream() common.StreamSpec {
	return common.StreamSpec{
		URL:          streamURL,
		PingInterval: 30 * time.Second,
		Subscribe: func(creds common.Credentials, symbols []string) [][]byte {
			streams := make([]string, 0, len(symbols))
			for _, s := range symbols {
				streams = append(streams, strings.ToLower(strings.ReplaceAll(s, "/", ""))+"@trade")
			}
			msg, _ := json.Marshal(map[string]any{
				"method": "SUBSCRIBE",
				"params": streams,
				"id":     1,
			})
			return [][]byte{msg}
		},
		Parse: parseStreamMessage,
	}
}

func parseStreamMessage(msg []byte) []common.RawTrade {
	var rep struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		ExecType  string `json:"x"`
		TradeID   int64  `json:"t"`
		OrderID   int64  `json:"i"`
		LastQty   string `json:"l"`
		LastPrice string `json:"L"`
		Fee       string `json:"n"`
		FeeAsset  string `json:"N"`
		TradeTime int64  `json:"T"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return nil
	}
	if rep.EventType != "executionReport" || rep.ExecType != "TRADE" {
		return nil
	}
	return []common.RawTrade{{
		"id":              float64(rep.TradeID),
		"orderId":         float64(rep.OrderID),
		"symbol":          rep.Symbol,
		"isBuyer":         strings.EqualFold(rep.Side, "BUY"),
		"qty":             rep.LastQty,
		"price":           rep.LastPrice,
		"commission":      rep.Fee,
		"commissionAsset": rep.FeeAsset,
		"time":            float64(rep.TradeTime),
	}}
}

var _ common.Adapter = (*Adapter)(nil)
