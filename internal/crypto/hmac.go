package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds one venue's API credential pair.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// SignHex returns hex(HMAC-SHA256(secret, payload)). Binance signs the query
// string this way.
func (h *HMACAuth) SignHex(payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), payload)
}

// BybitHeaders returns the headers for a Bybit v5 request. The signature is
// hex(HMAC-SHA256(secret, timestamp+key+recvWindow+payload)), where payload is
// the query string for GET and the JSON body for POST.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
//   - X-BAPI-SIGN
func (h *HMACAuth) BybitHeaders(payload string, recvWindowMs int) map[string]string {
	return h.BybitHeadersAt(payload, recvWindowMs, time.Now().UnixMilli())
}

// BybitHeadersAt is like BybitHeaders but lets the caller supply the
// millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) BybitHeadersAt(payload string, recvWindowMs int, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	rw := strconv.Itoa(recvWindowMs)
	sig := hmacSHA256Hex([]byte(h.Secret), ts+h.Key+rw+payload)
	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": rw,
		"X-BAPI-SIGN":        sig,
	}
}

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
