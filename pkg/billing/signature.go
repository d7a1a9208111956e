package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier authenticates webhook bodies with a hex-encoded HMAC-SHA256
// over the exact bytes received.
type Verifier struct {
	secret   []byte
	testMode bool
}

// NewVerifier creates a verifier for secret. An empty secret is only
// accepted when testMode is set, in which case verification is skipped.
func NewVerifier(secret string, testMode bool) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" && !testMode {
		return nil, ErrSecretNotConfigured
	}
	return &Verifier{secret: []byte(secret), testMode: testMode}, nil
}

// Configured reports whether a secret is set
func (v *Verifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify checks signatureHex against the HMAC of body.
// Malformed or wrong-length signatures are rejected by the same comparison.
func (v *Verifier) Verify(body []byte, signatureHex string) error {
	if !v.Configured() {
		if v != nil && v.testMode {
			return nil
		}
		return ErrSecretNotConfigured
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		provided = nil
	}
	if !hmac.Equal(provided, v.sum(body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature of body. Used by tests and replay tooling.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.sum(body))
}

func (v *Verifier) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
