package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalString builds the string a client signs:
//
//	METHOD \n PATH_WITH_QUERY \n TIMESTAMP \n NONCE \n BODY_RAW
//
// METHOD is uppercased; PATH_WITH_QUERY is the server-seen path plus the raw
// query string; BODY_RAW is the exact request body bytes, empty if none.
func CanonicalString(method, pathWithQuery, timestamp, nonce string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(pathWithQuery) + len(timestamp) + len(nonce) + len(body) + 4)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(pathWithQuery)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

// Sign computes the hex HMAC-SHA256 of canonical under secret.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the presented hex signature against the expected
// one in constant time. Hex case is normalized before comparison.
func VerifySignature(secret, canonical, presented string) bool {
	expected := Sign(secret, canonical)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(presented)))
}
