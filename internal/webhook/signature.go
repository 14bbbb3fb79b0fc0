// Package webhook parses and authenticates OpenPix webhook deliveries.
// Everything here is pure: no I/O, no clocks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Gate decides whether a delivery is authentic.
//
// An empty Secret accepts everything. With a Secret set, a present header
// must match; an absent header is accepted unless RequireSignature is set.
type Gate struct {
	Secret           string
	RequireSignature bool
}

// Verify returns nil when the delivery passes the gate, or
// *domain.ErrInvalidSignature otherwise.
func (g Gate) Verify(body []byte, header string) error {
	if g.Secret == "" {
		return nil
	}

	header = strings.ToLower(strings.TrimSpace(header))
	if header == "" {
		if g.RequireSignature {
			return &domain.ErrInvalidSignature{Missing: true}
		}
		return nil
	}
	header = strings.TrimPrefix(header, "sha256=")

	expected := Sign(body, g.Secret)
	if !hmac.Equal([]byte(header), []byte(expected)) {
		return &domain.ErrInvalidSignature{}
	}
	return nil
}
