package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func HmacSHA256(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// HashCode returns the one-way digest stored for a pairing code. With a
// pepper the digest is keyed so a leaked table cannot be brute-forced offline.
func HashCode(pepper, code string) string {
	if pepper == "" {
		return HashToken(code)
	}
	return HmacSHA256(pepper, code)
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskCode keeps the first two characters of a pairing code for log correlation.
func MaskCode(code string) string {
	if len(code) <= 2 {
		return "****"
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
