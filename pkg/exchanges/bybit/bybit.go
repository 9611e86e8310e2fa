// Package bybit implements the Bybit v5 adapter.
package bybit

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
	baseURL    = "https://api.bybit.com"
	streamURL  = "wss://stream.bybit.com/v5/private"
	recvWindow = "5000"
)

// pageLimit is the maximum rows /v5/execution/list returns per request.
const pageLimit = 100

// Adapter talks to Bybit's v5 unified REST API.
type Adapter struct {
	http *common.HTTPClient

	// BaseURL overrides the production REST endpoint; tests point it
	// at a local server.
	BaseURL string
}

func New(budget *common.Budget) *Adapter {
	return &Adapter{http: common.NewHTTPClient("bybit", budget), BaseURL: baseURL}
}

func (a *Adapter) Name() string { return "bybit" }

// headers signs timestamp+apiKey+recvWindow+queryString with HMAC-SHA256
// hex, carried in X-BAPI-* headers.
func headers(creds common.Credentials, query string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     creds.APIKey,
		"X-BAPI-SIGN":        common.SignHS256Hex(ts+creds.APIKey+recvWindow+query, creds.APISecret),
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
	}
}

// envelope is Bybit's uniform {retCode, retMsg, result} reply.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (a *Adapter) get(ctx context.Context, creds common.Credentials, path, query string, v any) error {
	var env envelope
	if err := a.http.GetJSON(ctx, a.BaseURL+path+"?"+query, headers(creds, query), &env); err != nil {
		return err
	}
	if env.RetCode != 0 {
		switch env.RetCode {
		case 10003, 10004, 10005, 33004:
			return &common.AuthError{Exchange: "bybit", Detail: env.RetMsg}
		case 10006:
			return &common.RateLimitError{Exchange: "bybit"}
		}
		return &common.APIError{Exchange: "bybit", StatusCode: 200, Message: fmt.Sprintf("%d %s", env.RetCode, env.RetMsg)}
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		return fmt.Errorf("bybit decode result: %w", err)
	}
	return nil
}

func (a *Adapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	// v5 pages with an opaque nextPageCursor; an empty cursor ends the walk.
	var all []common.RawTrade
	cursor := ""
	for {
		params := url.Values{}
		params.Set("category", "spot")
		params.Set("limit", strconv.Itoa(pageLimit))
		if q.Symbol != "" {
			params.Set("symbol", strings.ToUpper(strings.ReplaceAll(q.Symbol, "/", "")))
		}
		if !q.Since.IsZero() {
			params.Set("startTime", strconv.FormatInt(q.Since.UnixMilli(), 10))
		}
		if !q.Until.IsZero() {
			params.Set("endTime", strconv.FormatInt(q.Until.UnixMilli(), 10))
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var result struct {
			List           []common.RawTrade `json:"list"`
			NextPageCursor string            `json:"nextPageCursor"`
		}
		if err := a.get(ctx, creds, "/v5/execution/list", params.Encode(), &result); err != nil {
			return nil, err
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" || len(result.List) == 0 {
			return all, nil
		}
		cursor = result.NextPageCursor
	}
}

func (a *Adapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	var result struct {
		List []struct {
			Coin []struct {
				Coin      string `json:"coin"`
				Free      string `json:"availableToWithdraw"`
				WalletBal string `json:"walletBalance"`
				Locked    string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := a.get(ctx, creds, "/v5/account/wallet-balance", params.Encode(), &result); err != nil {
		return nil, err
	}
	now := time.Now()
	var out []common.Balance
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			free, _ := strconv.ParseFloat(c.Free, 64)
			if free == 0 {
				free, _ = strconv.ParseFloat(c.WalletBal, 64)
			}
			locked, _ := strconv.ParseFloat(c.Locked, 64)
			if free == 0 && locked == 0 {
				continue
			}
			out = append(out, common.Balance{Asset: c.Coin, Free: free, Locked: locked, FetchedAt: now})
		}
	}
	return out, nil
}

func (a *Adapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return false, fmt.Errorf("bybit: API key/secret required")
	}
	if _, err := a.FetchBalance(ctx, creds); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) Stream() common.StreamSpec {
	return common.StreamSpec{
		URL:          streamURL,
		PingInterval: 20 * time.Second,
		Subscribe: func(creds common.Credentials, symbols []string) [][]byte {
			expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
			auth, _ := json.Marshal(map[string]any{
				"op":   "auth",
				"args": []string{creds.APIKey, expires, common.SignHS256Hex("GET/realtime"+expires, creds.APISecret)},
			})
			sub, _ := json.Marshal(map[string]any{
				"op":   "subscribe",
				"args": []string{"execution.spot"},
			})
			return [][]byte{auth, sub}
		},
		Parse: parseStreamMessage,
	}
}

// parseStreamMessage handles execution topic pushes; the payload already
// uses /v5/execution/list field names.
func parseStreamMessage(msg []byte) []common.RawTrade {
	var m struct {
		Topic string            `json:"topic"`
		Data  []common.RawTrade `json:"data"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil
	}
	if !strings.HasPrefix(m.Topic, "execution") {
		return nil
	}
	return m.Data
}

var _ common.Adapter = (*Adapter)(nil)
