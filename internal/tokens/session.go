package tokens

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/halunken-hans/OpenApprove-sub000/pkg/canonhash"
)

// SessionCookieName is the cookie the HTTP layer reads the mirrored grant
// from during browser navigation.
const SessionCookieName = "approval_session"

// SignSession mirrors a validated grant into a signed, not encrypted,
// cookie value: base64url(json(grant)) + "." + hex(hmac-sha256).
func (s *Service) SignSession(g *Grant) (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + canonhash.SignHMAC(s.sessionSecret, []byte(payload)), nil
}

// ReadSession parses a cookie value back into a grant. The signature is
// verified in constant time before the payload is trusted. A malformed,
// unsigned, or expired cookie reads as absent, never as an error.
func (s *Service) ReadSession(value string) (*Grant, bool) {
	payload, sig, found := strings.Cut(value, ".")
	if !found || payload == "" || sig == "" {
		return nil, false
	}
	if !canonhash.VerifyHMAC(s.sessionSecret, []byte(payload), sig) {
		return nil, false
	}
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	var g Grant
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, false
	}
	if s.clock.Now().After(g.ExpiresAt) {
		return nil, false
	}
	return &g, true
}
