package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
)

// SignHS256Hex is the Binance-family signature: hex(HMAC-SHA256(payload)).
// Also used by Bybit, MEXC and Coinbase (over their respective payloads).
func SignHS256Hex(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHS256B64 is the OKX/Bitget/KuCoin/Huobi dialect:
// base64(HMAC-SHA256(payload)).
func SignHS256B64(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignHS512Hex is Gate.io's signature: hex(HMAC-SHA512(payload)).
func SignHS512Hex(payload, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignKraken implements Kraken's scheme: the URI path concatenated with
// SHA256(nonce+postdata) is HMAC-SHA512 signed with the base64-decoded
// secret, and the result base64-encoded.
func SignKraken(path, nonce, postData, secretB64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", err
	}
	sha := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
