// Package kraken implements the Kraken adapter.
package kraken

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
	baseURL   = "https://api.kraken.com"
	streamURL = "wss://ws-auth.kraken.com"
)

// pageLimit is the maximum rows TradesHistory returns per request.
const pageLimit = 50

// Adapter talks to Kraken's private POST API. All private calls share the
// nonce + SHA256-prehash + HMAC-SHA512 signature dialect.
type Adapter struct {
	http *common.HTTPClient

	// BaseURL overrides the production REST endpoint; tests point it
	// at a local server.
	BaseURL string
}

func New(budget *common.Budget) *Adapter {
	return &Adapter{http: common.NewHTTPClient("kraken", budget), BaseURL: baseURL}
}

func (a *Adapter) Name() string { return "kraken" }

// krakenReply is the uniform envelope: errors as strings, result varies.
type krakenReply struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (a *Adapter) private(ctx context.Context, creds common.Credentials, path string, params url.Values) (json.RawMessage, error) {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	sig, err := common.SignKraken(path, nonce, postData, creds.APISecret)
	if err != nil {
		return nil, &common.AuthError{Exchange: "kraken", Detail: "secret is not valid base64"}
	}
	headers := map[string]string{
		"API-Key":      creds.APIKey,
		"API-Sign":     sig,
		"Content-Type": "application/x-www-form-urlencoded",
	}

	var reply krakenReply
	if err := a.http.PostJSON(ctx, a.BaseURL+path, headers, postData, &reply); err != nil {
		return nil, err
	}
	if len(reply.Error) > 0 {
		detail := reply.Error[0]
		// Kraken reports auth trouble in-band with a 200 status.
		if detail == "EAPI:Invalid key" || detail == "EAPI:Invalid signature" || detail == "EGeneral:Permission denied" {
			return nil, &common.AuthError{Exchange: "kraken", Detail: detail}
		}
		if detail == "EAPI:Rate limit exceeded" {
			return nil, &common.RateLimitError{Exchange: "kraken"}
		}
		return nil, &common.APIError{Exchange: "kraken", StatusCode: 200, Message: detail}
	}
	return reply.Result, nil
}

// assetAliases maps Kraken's X/Z-prefixed asset codes to their
// canonical tickers.
var assetAliases = map[string]string{
	"XXBT": "BTC", "XBT": "BTC",
	"XETH": "ETH", "XLTC": "LTC", "XXRP": "XRP",
	"XXMR": "XMR", "XXDG": "DOGE", "XZEC": "ZEC",
	"XMLN": "MLN", "XREP": "REP",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP",
	"ZJPY": "JPY", "ZCAD": "CAD", "ZAUD": "AUD",
}

func canonicalAsset(code string) string {
	if c, ok := assetAliases[code]; ok {
		return c
	}
	return code
}

// pairMatches reports whether a Kraken native pair (XXBTZUSD, XBTUSDT,
// or the slash form the websocket feed uses) names the same market as
// a canonical BASE/QUOTE symbol.
func pairMatches(pair, symbol string) bool {
	base, quote, ok := strings.Cut(strings.ToUpper(symbol), "/")
	if !ok {
		return strings.EqualFold(pair, symbol)
	}
	pair = strings.ToUpper(pair)
	if pb, pq, ok := strings.Cut(pair, "/"); ok {
		return canonicalAsset(pb) == base && canonicalAsset(pq) == quote
	}
	// Concatenated pairs carry no delimiter; try every split.
	for i := 1; i < len(pair); i++ {
		if canonicalAsset(pair[:i]) == base && canonicalAsset(pair[i:]) == quote {
			return true
		}
	}
	return false
}

func (a *Adapter) FetchTrades(ctx context.Context, creds common.Credentials, q common.TradeQuery) ([]common.RawTrade, error) {
	// TradesHistory returns at most 50 rows; walk the ofs offset until
	// the reported count is covered.
	var out []common.RawTrade
	fetched := 0
	for {
		params := url.Values{}
		if !q.Since.IsZero() {
			params.Set("start", strconv.FormatInt(q.Since.Unix(), 10))
		}
		if !q.Until.IsZero() {
			params.Set("end", strconv.FormatInt(q.Until.Unix(), 10))
		}
		if fetched > 0 {
			params.Set("ofs", strconv.Itoa(fetched))
		}

		raw, err := a.private(ctx, creds, "/0/private/TradesHistory", params)
		if err != nil {
			return nil, err
		}
		var result struct {
			Trades map[string]common.RawTrade `json:"trades"`
			Count  int                        `json:"count"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("kraken decode trades: %w", err)
		}

		for id, t := range result.Trades {
			t["trade_id"] = id // map key is the fill id
			if q.Symbol != "" && !pairMatches(common.ToString(t["pair"]), q.Symbol) {
				continue
			}
			out = append(out, t)
		}
		fetched += len(result.Trades)
		if len(result.Trades) == 0 || len(result.Trades) < pageLimit || fetched >= result.Count {
			return out, nil
		}
	}
}

func (a *Adapter) FetchBalance(ctx context.Context, creds common.Credentials) ([]common.Balance, error) {
	raw, err := a.private(ctx, creds, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var balances map[string]string
	if err := json.Unmarshal(raw, &balances); err != nil {
		return nil, fmt.Errorf("kraken decode balance: %w", err)
	}
	now := time.Now()
	out := make([]common.Balance, 0, len(balances))
	for asset, amount := range balances {
		free, _ := strconv.ParseFloat(amount, 64)
		if free == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: asset, Free: free, FetchedAt: now})
	}
	return out, nil
}

func (a *Adapter) Validate(ctx context.Context, creds common.Credentials) (bool, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return false, fmt.Errorf("kraken: API key/secret required")
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
			// ownTrades requires a websocket token brokered over REST;
			// the token is requested by the stream manager caller and
			// passed through the passphrase slot when present.
			sub, _ := json.Marshal(map[string]any{
				"event": "subscribe",
				"subscription": map[string]any{
					"name":  "ownTrades",
					"token": creds.Passphrase,
				},
			})
			return [][]byte{sub}
		},
		Parse: parseStreamMessage,
	}
}

// parseStreamMessage handles ownTrades payloads, which arrive as an array:
// [[{tradeID: {...}}, ...], "ownTrades", {...}].
func parseStreamMessage(msg []byte) []common.RawTrade {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
		return nil
	}
	var channel string
	if err := json.Unmarshal(frame[1], &channel); err != nil || channel != "ownTrades" {
		return nil
	}
	var batches []map[string]common.RawTrade
	if err := json.Unmarshal(frame[0], &batches); err != nil {
		return nil
	}
	var out []common.RawTrade
	for _, batch := range batches {
		for id, t := range batch {
			t["trade_id"] = id
			out = append(out, t)
		}
	}
	return out
}

var _ common.Adapter = (*Adapter)(nil)
