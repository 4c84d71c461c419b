package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_id":"abc","attempt":1}`)
	secret := "whsec_test"

	sig := Sign(body, secret)
	assert.Len(t, sig, 64, "hex-encoded SHA-256 digest")
	assert.True(t, Verify(body, sig, secret))
	assert.True(t, Verify(body, Prefix+sig, secret), "prefixed header value verifies too")
}

func TestHeaderCarriesPrefix(t *testing.T) {
	body := []byte("payload")
	header := Header(body, "secret")
	assert.True(t, strings.HasPrefix(header, "sha256="))
	assert.True(t, Verify(body, header, "secret"))
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"amount":100}`)
	secret := "whsec_test"
	sig := Sign(body, secret)

	assert.False(t, Verify([]byte(`{"amount":999}`), sig, secret), "modified body")
	assert.False(t, Verify(body, sig, "other-secret"), "wrong secret")

	// Single flipped hex digit
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.False(t, Verify(body, string(flipped), secret))

	assert.False(t, Verify(body, "", secret))
	assert.False(t, Verify(body, sig[:32], secret), "truncated signature")
}
