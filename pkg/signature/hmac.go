// Package signature signs webhook bodies with HMAC-SHA256. Receivers
// verify the signature over the exact request body bytes using their
// endpoint secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Prefix is prepended to the hex digest in the X-EthHook-Signature header.
const Prefix = "sha256="

// Sign computes the hex-encoded HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the value for the X-EthHook-Signature header.
func Header(body []byte, secret string) string {
	return Prefix + Sign(body, secret)
}

// Verify reports whether signature matches body under secret. The
// comparison is constant-time. An optional "sha256=" prefix is accepted.
func Verify(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, Prefix)

	expected := Sign(body, secret)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
