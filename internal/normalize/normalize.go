// Package normalize maps raw per-exchange trade payloads into the
// canonical trade row. One mapper per exchange dialect; both the REST
// and stream paths feed the same mappers.
package normalize

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradesync-core/pkg/db"
	"tradesync-core/pkg/exchanges/common"
)

// extract is the intermediate shape a mapper pulls out of a raw payload
// before the canonical row is assembled.
type extract struct {
	TradeID     string
	OrderID     string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Fee         float64
	FeeCurrency string
	TimestampMS int64
}

type mapperFunc func(raw common.RawTrade) (extract, error)

// Normalizer dispatches raw trades to per-exchange mappers and validates
// the result. Invalid trades are dropped and counted, never propagated.
type Normalizer struct {
	mappers map[string]mapperFunc
	dropped atomic.Int64
}

func New() *Normalizer {
	return &Normalizer{mappers: map[string]mapperFunc{
		"binance":  mapBinance,
		"coinbase": mapCoinbase,
		"kraken":   mapKraken,
		"kucoin":   mapKucoin,
		"bybit":    mapBybit,
		"okx":      mapOKX,
		"bitget":   mapBitget,
		"huobi":    mapHuobi,
		"gateio":   mapGateio,
		"mexc":     mapBinance, // MEXC mirrors Binance's myTrades shape
	}}
}

// Dropped reports how many trades failed mapping or validation.
func (n *Normalizer) Dropped() int64 { return n.dropped.Load() }

// Normalize maps one raw trade into a canonical row.
func (n *Normalizer) Normalize(exchange string, raw common.RawTrade, userID, connectionID string) (db.Trade, error) {
	mapper, ok := n.mappers[exchange]
	if !ok {
		return db.Trade{}, fmt.Errorf("normalize %q: %w", exchange, common.ErrUnsupportedExchange)
	}
	ex, err := mapper(raw)
	if err != nil {
		return db.Trade{}, fmt.Errorf("normalize %s trade: %w", exchange, err)
	}

	symbol := canonicalSymbol(exchange, ex.Symbol)
	feeCcy := ex.FeeCurrency
	if feeCcy == "" {
		feeCcy = quoteCurrency(symbol)
	}

	rawJSON, _ := json.Marshal(raw)
	return db.Trade{
		ID:                uuid.NewString(),
		UserID:            userID,
		ConnectionID:      connectionID,
		ExchangeTradeID:   ex.TradeID,
		Symbol:            symbol,
		Side:              ex.Side,
		Quantity:          ex.Quantity,
		Price:             ex.Price,
		Fee:               math.Abs(ex.Fee),
		FeeCurrency:       feeCcy,
		ExecutedAt:        time.UnixMilli(ex.TimestampMS).UTC(),
		ExchangeTimestamp: ex.TimestampMS,
		Platform:          exchange,
		OrderID:           ex.OrderID,
		RawData:           string(rawJSON),
	}, nil
}

// NormalizeBatch maps a batch, dropping trades that fail mapping or
// validation. A malformed fill never aborts the batch.
func (n *Normalizer) NormalizeBatch(exchange string, raws []common.RawTrade, userID, connectionID string) []db.Trade {
	out := make([]db.Trade, 0, len(raws))
	for _, raw := range raws {
		t, err := n.Normalize(exchange, raw, userID, connectionID)
		if err != nil {
			n.dropped.Add(1)
			log.Printf("[Normalizer] drop: %v", err)
			continue
		}
		if !Validate(t) {
			n.dropped.Add(1)
			log.Printf("[Normalizer] drop invalid %s trade %s", exchange, t.ExchangeTradeID)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Validate enforces the canonical row's minimum contract.
func Validate(t db.Trade) bool {
	if t.ID == "" || t.UserID == "" || t.ConnectionID == "" || t.ExchangeTradeID == "" {
		return false
	}
	if t.Symbol == "" || t.ExecutedAt.IsZero() {
		return false
	}
	if t.Side != string(common.SideBuy) && t.Side != string(common.SideSell) {
		return false
	}
	return t.Quantity > 0 && t.Price > 0
}

// --- per-exchange mappers ---

// mapBinance handles Binance and MEXC: /api/v3/myTrades rows with an
// isBuyer flag and numeric-string amounts.
func mapBinance(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["id"])
	if id == "" {
		return extract{}, fmt.Errorf("missing trade id")
	}
	side := string(common.SideSell)
	if b, ok := raw["isBuyer"].(bool); ok && b {
		side = string(common.SideBuy)
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["orderId"]),
		Symbol:      common.ToString(raw["symbol"]),
		Side:        side,
		Quantity:    common.ToFloat(raw["qty"]),
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["commission"]),
		FeeCurrency: common.ToString(raw["commissionAsset"]),
		TimestampMS: common.ToInt64(raw["time"]),
	}, nil
}

// mapCoinbase handles /fills rows: product ids like BTC-USD and RFC3339
// created_at timestamps.
func mapCoinbase(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["trade_id"])
	if id == "" {
		return extract{}, fmt.Errorf("missing trade_id")
	}
	ts, err := time.Parse(time.RFC3339Nano, common.ToString(raw["created_at"]))
	if err != nil {
		return extract{}, fmt.Errorf("bad created_at: %w", err)
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["order_id"]),
		Symbol:      common.ToString(raw["product_id"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    common.ToFloat(raw["size"]),
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["fee"]),
		TimestampMS: ts.UnixMilli(),
	}, nil
}

// mapKraken handles TradesHistory rows: pair names like XXBTZUSD,
// fractional-second float timestamps, volume under "vol".
func mapKraken(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["trade_id"])
	if id == "" {
		return extract{}, fmt.Errorf("missing trade_id")
	}
	secs := common.ToFloat(raw["time"])
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["ordertxid"]),
		Symbol:      common.ToString(raw["pair"]),
		Side:        strings.ToLower(common.ToString(raw["type"])),
		Quantity:    common.ToFloat(raw["vol"]),
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["fee"]),
		TimestampMS: int64(secs * 1000),
	}, nil
}

// mapKucoin handles /api/v1/fills rows: BTC-USDT symbols, createdAt in ms.
func mapKucoin(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["tradeId"])
	if id == "" {
		return extract{}, fmt.Errorf("missing tradeId")
	}
	qty := common.ToFloat(raw["size"])
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["orderId"]),
		Symbol:      common.ToString(raw["symbol"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    qty,
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["fee"]),
		FeeCurrency: common.ToString(raw["feeCurrency"]),
		TimestampMS: common.ToInt64(raw["createdAt"]),
	}, nil
}

// mapBybit handles /v5/execution/list rows: Title-cased sides, execTime
// as a millisecond string.
func mapBybit(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["execId"])
	if id == "" {
		return extract{}, fmt.Errorf("missing execId")
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["orderId"]),
		Symbol:      common.ToString(raw["symbol"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    common.ToFloat(raw["execQty"]),
		Price:       common.ToFloat(raw["execPrice"]),
		Fee:         common.ToFloat(raw["execFee"]),
		FeeCurrency: common.ToString(raw["feeCurrencyId"]),
		TimestampMS: common.ToInt64(raw["execTime"]),
	}, nil
}

// mapOKX handles /api/v5/trade/fills rows: fees are negative (deducted),
// instrument ids like BTC-USDT, ts as a millisecond string.
func mapOKX(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["tradeId"])
	if id == "" {
		return extract{}, fmt.Errorf("missing tradeId")
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["ordId"]),
		Symbol:      common.ToString(raw["instId"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    common.ToFloat(raw["fillSz"]),
		Price:       common.ToFloat(raw["fillPx"]),
		Fee:         common.ToFloat(raw["fee"]),
		FeeCurrency: common.ToString(raw["feeCcy"]),
		TimestampMS: common.ToInt64(raw["ts"]),
	}, nil
}

// mapBitget handles /api/v2/spot/trade/fills rows: price under priceAvg,
// fee nested in feeDetail, cTime in ms.
func mapBitget(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["tradeId"])
	if id == "" {
		return extract{}, fmt.Errorf("missing tradeId")
	}
	price := common.ToFloat(raw["priceAvg"])
	if price == 0 {
		price = common.ToFloat(raw["price"])
	}
	var fee float64
	var feeCcy string
	if detail, ok := raw["feeDetail"].(map[string]any); ok {
		fee = common.ToFloat(detail["totalFee"])
		feeCcy = common.ToString(detail["feeCoin"])
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["orderId"]),
		Symbol:      common.ToString(raw["symbol"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    common.ToFloat(raw["size"]),
		Price:       price,
		Fee:         fee,
		FeeCurrency: feeCcy,
		TimestampMS: common.ToInt64(raw["cTime"]),
	}, nil
}

// mapHuobi handles /v1/order/matchresults rows: kebab-case fields,
// lowercase concatenated symbols, sides encoded in the order type
// ("buy-limit", "sell-market").
func mapHuobi(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["trade-id"])
	if id == "" {
		id = common.ToString(raw["id"])
	}
	if id == "" {
		return extract{}, fmt.Errorf("missing trade-id")
	}
	orderType := common.ToString(raw["type"])
	side := ""
	switch {
	case strings.HasPrefix(orderType, "buy"):
		side = string(common.SideBuy)
	case strings.HasPrefix(orderType, "sell"):
		side = string(common.SideSell)
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["order-id"]),
		Symbol:      common.ToString(raw["symbol"]),
		Side:        side,
		Quantity:    common.ToFloat(raw["filled-amount"]),
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["filled-fees"]),
		FeeCurrency: strings.ToUpper(common.ToString(raw["fee-currency"])),
		TimestampMS: common.ToInt64(raw["created-at"]),
	}, nil
}

// mapGateio handles /api/v4/spot/my_trades rows: BTC_USDT pairs and a
// second-resolution create_time with a millisecond sibling.
func mapGateio(raw common.RawTrade) (extract, error) {
	id := common.ToString(raw["id"])
	if id == "" {
		return extract{}, fmt.Errorf("missing id")
	}
	ts := common.ToInt64(raw["create_time_ms"])
	if ts == 0 {
		ts = common.ToInt64(raw["create_time"]) * 1000
	}
	return extract{
		TradeID:     id,
		OrderID:     common.ToString(raw["order_id"]),
		Symbol:      common.ToString(raw["currency_pair"]),
		Side:        strings.ToLower(common.ToString(raw["side"])),
		Quantity:    common.ToFloat(raw["amount"]),
		Price:       common.ToFloat(raw["price"]),
		Fee:         common.ToFloat(raw["fee"]),
		FeeCurrency: common.ToString(raw["fee_currency"]),
		TimestampMS: ts,
	}, nil
}
