// Package csrf implements a stateless double-submit guard. Tokens are
// bound to the refresh session with an HMAC, so a token lifted from one
// session cannot be replayed against another, and nothing is stored
// server-side.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const nonceSize = 16

// ErrInvalid is the uniform failure for every validation problem: missing
// channel, malformed token, cookie/header mismatch, or session binding
// mismatch. Callers must not distinguish the cases.
var ErrInvalid = errors.New("csrf token invalid")

// Guard mints and validates double-submit tokens. A token is
// base64url(nonce || HMAC-SHA256(key, nonce || sessionID)).
type Guard struct {
	key []byte
}

func NewGuard(key []byte) *Guard {
	return &Guard{key: key}
}

// Issue mints a fresh token bound to sessionID.
func (g *Guard) Issue(sessionID string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	mac := g.mac(nonce[:], sessionID)

	raw := make([]byte, 0, nonceSize+len(mac))
	raw = append(raw, nonce[:]...)
	raw = append(raw, mac...)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Validate checks the double-submit pair against the session. All three
// legs must hold: cookie equals the echoed value, the token decodes, and
// the MAC binds it to sessionID.
func (g *Guard) Validate(sessionID, cookieValue, echoedValue string) error {
	if sessionID == "" || cookieValue == "" || echoedValue == "" {
		return ErrInvalid
	}

	if subtle.ConstantTimeCompare([]byte(cookieValue), []byte(echoedValue)) != 1 {
		return ErrInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(cookieValue)
	if err != nil || len(raw) != nonceSize+sha256.Size {
		return ErrInvalid
	}

	expected := g.mac(raw[:nonceSize], sessionID)
	if subtle.ConstantTimeCompare(raw[nonceSize:], expected) != 1 {
		return ErrInvalid
	}

	return nil
}

func (g *Guard) mac(nonce []byte, sessionID string) []byte {
	h := hmac.New(sha256.New, g.key)
	h.Write(nonce)
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}
