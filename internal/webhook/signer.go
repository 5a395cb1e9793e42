package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Sign returns hex(HMAC-SHA256(key, payload || decimal unix seconds)).
func Sign(key, payload []byte, unixSeconds int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	mac.Write([]byte(strconv.FormatInt(unixSeconds, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(key, payload []byte, unixSeconds int64, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	mac.Write([]byte(strconv.FormatInt(unixSeconds, 10)))
	return hmac.Equal(mac.Sum(nil), want)
}
