package normalize

import "strings"

// Quote currencies recognized when splitting concatenated pair names,
// longest first so USDT wins over USD.
var quoteSuffixes = []string{
	"USDT", "USDC", "TUSD", "BUSD", "FDUSD", "USD", "EUR", "GBP",
	"BTC", "ETH", "BNB", "TRY", "JPY", "DAI",
}

// Kraken's legacy asset codes, translated to their common tickers.
var krakenAssets = map[string]string{
	"XXBT": "BTC", "XBT": "BTC",
	"XETH": "ETH", "XLTC": "LTC", "XXRP": "XRP", "XXMR": "XMR",
	"XXDG": "DOGE", "XZEC": "ZEC", "XMLN": "MLN", "XREP": "REP",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP", "ZJPY": "JPY",
	"ZCAD": "CAD", "ZAUD": "AUD",
}

// canonicalSymbol rewrites an exchange's pair spelling to BASE/QUOTE.
// Dialects: BTCUSDT (binance, mexc, bybit, bitget), btcusdt (huobi),
// BTC-USDT (coinbase, kucoin, okx), BTC_USDT (gateio), XXBTZUSD (kraken).
func canonicalSymbol(exchange, sym string) string {
	if sym == "" {
		return ""
	}
	sym = strings.ToUpper(sym)

	switch exchange {
	case "coinbase", "kucoin", "okx":
		return strings.ReplaceAll(sym, "-", "/")
	case "gateio":
		return strings.ReplaceAll(sym, "_", "/")
	case "kraken":
		return krakenPair(sym)
	default:
		return splitConcat(sym)
	}
}

// splitConcat splits BTCUSDT into BTC/USDT by trying known quote
// suffixes. Unknown quotes stay concatenated rather than guessing.
func splitConcat(sym string) string {
	if strings.Contains(sym, "/") {
		return sym
	}
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)] + "/" + q
		}
	}
	return sym
}

// krakenPair translates pairs like XXBTZUSD. Kraken also serves plain
// names (DOTUSD) for newer assets, so fall through to suffix splitting.
func krakenPair(sym string) string {
	if i := strings.Index(sym, "/"); i > 0 {
		base, quote := sym[:i], sym[i+1:]
		return krakenAsset(base) + "/" + krakenAsset(quote)
	}
	for base, ticker := range krakenAssets {
		if strings.HasPrefix(sym, base) && len(sym) > len(base) {
			return ticker + "/" + krakenAsset(sym[len(base):])
		}
	}
	return splitConcat(sym)
}

func krakenAsset(code string) string {
	if t, ok := krakenAssets[code]; ok {
		return t
	}
	return code
}

// quoteCurrency infers the quote leg of a canonical BASE/QUOTE symbol,
// used when an exchange omits the fee currency.
func quoteCurrency(symbol string) string {
	if i := strings.LastIndex(symbol, "/"); i >= 0 {
		return symbol[i+1:]
	}
	return ""
}
