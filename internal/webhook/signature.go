package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Headers carrying the provider signature.
const (
	SignatureHeader = "x-webhook-signature"
	TimestampHeader = "x-webhook-timestamp"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks Cashfree webhook signatures: base64(HMAC-SHA256(secret, timestamp + body)).
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier. An empty secret disables verification.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Sign computes the signature for timestamp and body.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify returns ErrInvalidSignature unless signature matches. Always nil when disabled.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if timestamp == "" || signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(v.Sign(timestamp, body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
