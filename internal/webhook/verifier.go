package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Billing-Signature"

const signaturePrefix = "sha256="

// Errors returned at the ingestion boundary.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrIgnoredEventType = errors.New("ignored webhook event type")
	ErrInvalidVerifier  = errors.New("invalid verifier config")
)

// Verifier authenticates webhook deliveries with a shared HMAC-SHA256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier validates the shared secret and returns a Verifier.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidVerifier)
	}
	return &Verifier{secret: secret}, nil
}

// Verify checks the signature header against the raw body using a
// constant-time comparison. An optional "sha256=" prefix is accepted.
func (verifier *Verifier) Verify(body []byte, signatureHeader string) error {
	encoded := strings.TrimPrefix(strings.TrimSpace(signatureHeader), signaturePrefix)
	if encoded == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	provided, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature header value for a body. Exposed for tests and
// internal tooling that replays provider payloads.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
