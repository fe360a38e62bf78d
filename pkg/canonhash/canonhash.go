package canonhash

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject hashes the canonical JSON form of v. encoding/json sorts map
// keys, so semantically identical payloads hash identically regardless of
// construction order.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}

// SumObjectHex is SumObject without the algorithm prefix.
func SumObjectHex(v any) (string, []byte, error) {
	prefixed, b, err := SumObject(v)
	if err != nil {
		return "", nil, err
	}
	return prefixed[len("sha256:"):], b, nil
}

// SumBytes returns the hex SHA-256 of raw content.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func SumString(s string) string {
	return SumBytes([]byte(s))
}

// SignHMAC returns the hex HMAC-SHA256 of msg under key.
func SignHMAC(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex signature in constant time. A signature that does
// not decode as hex is simply invalid.
func VerifyHMAC(key, msg []byte, sigHex string) bool {
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), provided)
}

// NewSecret returns n bytes of cryptographic randomness, hex encoded.
func NewSecret(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
