package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const (
	SignatureModeJWT  = "jwt"
	SignatureModeHMAC = "hmac"

	// SignatureHeader carries the hex HMAC-SHA256 of the raw body in hmac mode.
	SignatureHeader = "X-Board-Signature"
)

var errMissingSignature = errors.New("missing signature")

// Verifier authenticates a webhook delivery before its content is used.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// NewVerifier builds the verifier for mode. An empty secret is rejected so a
// misconfigured deployment cannot accept unsigned deliveries.
func NewVerifier(mode, secret string) (Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook signing secret is required")
	}
	switch strings.ToLower(mode) {
	case "", SignatureModeJWT:
		return &JWTVerifier{secret: []byte(secret)}, nil
	case SignatureModeHMAC:
		return &HMACVerifier{secret: []byte(secret)}, nil
	default:
		return nil, fmt.Errorf("unknown webhook signature mode %q", mode)
	}
}

// JWTVerifier accepts an HS256 JWT in the Authorization header, with or
// without a Bearer prefix.
type JWTVerifier struct {
	secret []byte
}

func (v *JWTVerifier) Verify(r *http.Request, _ []byte) error {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return errMissingSignature
	}
	if _, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256(), v.secret)); err != nil {
		return fmt.Errorf("invalid webhook token: %w", err)
	}
	return nil
}

type HMACVerifier struct {
	secret []byte
}

func (v *HMACVerifier) Verify(r *http.Request, body []byte) error {
	sig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(SignatureHeader)), "sha256=")
	if sig == "" {
		return errMissingSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if !hmac.Equal(got, Sign(v.secret, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
