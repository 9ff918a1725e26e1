// Package auth checks the bearer token devices present on the websocket
// handshake.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Tokens is the set of accepted device tokens. A nil or empty set accepts
// every request.
type Tokens struct {
	tokens [][]byte
}

func NewTokens(list []string) *Tokens {
	t := &Tokens{}
	for _, tok := range list {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t.tokens = append(t.tokens, []byte(tok))
	}
	return t
}

// Enabled reports whether any token is configured.
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.tokens) > 0
}

// Authorize reports whether r carries an accepted token.
func (t *Tokens) Authorize(r *http.Request) bool {
	if !t.Enabled() {
		return true
	}
	got, ok := ParseBearer(r)
	if !ok {
		return false
	}
	match := 0
	for _, want := range t.tokens {
		match |= subtle.ConstantTimeCompare([]byte(got), want)
	}
	return match == 1
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
