package revenuecat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-RevenueCat-Signature"

type verifier struct {
	secret  []byte
	require bool
}

func newVerifier(secret string, require bool) *verifier {
	secret = bearerToken(secret)
	v := &verifier{require: require}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

func (v *verifier) configured() bool {
	return len(v.secret) > 0
}

// verify reports whether the request carried a valid credential. It fails
// only when a secret is configured and the presented credential does not
// match it, or when a signature is required and none was sent.
func (v *verifier) verify(h http.Header, body []byte) (bool, error) {
	if !v.configured() {
		return false, nil
	}

	sig := strings.TrimSpace(h.Get(SignatureHeader))
	auth := bearerToken(h.Get("Authorization"))
	if sig == "" && auth == "" {
		if v.require {
			return false, billing.ErrMissingWebhookSignature
		}
		return false, nil
	}

	if sig != "" && v.validSignature(sig, body) {
		return true, nil
	}
	if auth != "" && subtle.ConstantTimeCompare([]byte(auth), v.secret) == 1 {
		return true, nil
	}
	return false, fmt.Errorf("%w: credential does not match", billing.ErrInvalidWebhookSignature)
}

func (v *verifier) validSignature(sig string, body []byte) bool {
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body, for use in tests and tooling
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
