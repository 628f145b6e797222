// Package auth implements the OAuth 2.0 login flow and token lifecycle for
// GitLab accounts: PKCE authorization, code and refresh-token exchange, and
// the local callback handler that completes the browser round trip.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"regexp"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// generateCodeVerifier returns a random alphanumeric PKCE verifier of at
// least 50 characters. Random bytes are base64-encoded and stripped of
// non-alphanumerics; if stripping leaves the string too short, a fresh one
// is generated.
func generateCodeVerifier() string {
	for {
		b := make([]byte, 48)
		if _, err := rand.Read(b); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		v := nonAlphanumeric.ReplaceAllString(base64.StdEncoding.EncodeToString(b), "")
		if len(v) >= 50 {
			return v
		}
	}
}

// generateCodeChallenge derives the S256 challenge for a verifier.
func generateCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// generateState returns a random state token correlating an authorization
// redirect with the login attempt that initiated it.
func generateState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
