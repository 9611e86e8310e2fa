// Package kucoin implements the KuCoin adapter.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradesync-core/pkg/exchanges/common"
)

const (
	baseURL = "https://api.kucoin.com"
	// Private feeds are brokered through /api/v1/bullet-private; this is
	// the stable public endpoint used when no token exchange happened.
	streamURL = "wss://ws-api-spot.kucoin.com"
)

// pageSize is the maximum rows /api/v1/fills returns per request.
const pageSize = 500

// Adapter talks to KuCoin's KC-API signed REST surface.
type Adapter struct {
	http *common.HTTPClient

	// BaseURL overrides the production REST endpoint; tests point it
	// at a local server.
	BaseURL string
}

func New(budget *common.Budget) *Adapter {
	return &Adapter{http: common.NewHTTPClient("kucoin", budget), BaseURL: baseURL}
}

func (a *Adapter) Name() string { return "kucoin" }

// headers signs timestamp+method+path with HMAC-SHA256 base64; the
// passphrase is itself signed under API key v2.
func headers(creds common.Credentials, method, path string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"KC-API-KEY":         creds.APIKey,
		"KC-API-SIGN":        common.SignHS256B64(ts+method+path, creds.APISecret),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  common.SignHS256B64(creds.Passphrase, creds.APISecret),
		"KC-API-KEY-VERSION": "2",
	}
}

// envelope is KuCoin's uniform {code, data} reply.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) get(ctx context.Context, creds common.Credentials, path string, v any) error {
	var env envelope
	if err := a.http.GetJSON(ctx, a.BaseURL+path, headers(creds, "GET", path), &env); err != nil {
		return err
	}
	if env.Code != "200000" {
		if env.Code == "400004" || env.Code == "400005" || env.Code == "400006" || env.Code == "411100" {
			return &common.AuthError{Exchange: "kucoin", Detail: env.Msg}
		}
		return &common.APIError{Exchange: "kucoin", StatusCode: 200, Message: env.Code + " " + env.Msg}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("kucoin decode data: %w", err)
	}
	return nil
}

func (a *Adapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	// /api/v1/fills reports totalPage; walk currentPage until done.
	var all []common.RawTrade
	for page := 1; ; page++ {
		path := "/api/v1/fills?pageSize=" + strconv.Itoa(pageSize) + "&currentPage=" + strconv.Itoa(page)
		if q.Symbol != "" {
			path += "&symbol=" + strings.ToUpper(strings.ReplaceAll(q.Symbol, "/", "-"))
		}
		if !q.Since.IsZero() {
			path += "&startAt=" + strconv.FormatInt(q.Since.UnixMilli(), 10)
		}
		if !q.Until.IsZero() {
			path += "&endAt=" + strconv.FormatInt(q.Until.UnixMilli(), 10)
		}
		var data struct {
			TotalPage int               `json:"totalPage"`
			Items     []common.RawTrade `json:"items"`
		}
		if err := a.get(ctx, creds, path, &data); err != nil {
			return nil, err
		}
		all = append(all, data.Items...)
		if len(data.Items) == 0 || page >= data.TotalPage {
			return all, nil
		}
	}
}

func (a *Adapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := a.get(ctx, creds, "/api/v1/accounts", &accounts); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]common.Balance, 0, len(accounts))
	for _, acc := range accounts {
		free, _ := strconv.ParseFloat(acc.Available, 64)
		locked, _ := strconv.ParseFloat(acc.Holds, 64)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: acc.Currency, Free: free, Locked: locked, FetchedAt: now})
	}
	return out, nil
}

func (a *Adapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return false, fmt.Errorf("kucoin: API key/secret/passphrase required")
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
				"id":             time.Now().UnixMilli(),
				"type":           "subscribe",
				"topic":          "/spotMarket/tradeOrdersV2",
				"privateChannel": true,
				"response":       true,
			})
			return [][]byte{sub}
		},
		Parse: parseStreamMessage,
	}
}

// parseStreamMessage reshapes tradeOrders "match" events to /fills names.
func parseStreamMessage(msg []byte) []common.RawTrade {
	var m struct {
		Type string `json:"type"`
		Data struct {
			TradeID   string `json:"tradeId"`
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			MatchSize string `json:"matchSize"`
			Price     string `json:"matchPrice"`
			Ts        int64  `json:"ts"`
			EventType string `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil
	}
	if m.Type != "message" || m.Data.EventType != "match" || m.Data.TradeID == "" {
		return nil
	}
	return []common.RawTrade{{
		"tradeId":   m.Data.TradeID,
		"orderId":   m.Data.OrderID,
		"symbol":    m.Data.Symbol,
		"side":      m.Data.Side,
		"size":      m.Data.MatchSize,
		"price":     m.Data.Price,
		"createdAt": float64(m.Data.Ts / 1e6), // ns -> ms
	}}
}

var _ common.Adapter = (*Adapter)(nil)
