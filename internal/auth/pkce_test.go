package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifierLengthAndAlphabet(t *testing.T) {
	alnum := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	for i := 0; i < 50; i++ {
		verifier := generateCodeVerifier()
		require.GreaterOrEqual(t, len(verifier), 50)
		assert.Regexp(t, alnum, verifier)
	}
}

func TestGenerateCodeVerifierUnique(t *testing.T) {
	assert.NotEqual(t, generateCodeVerifier(), generateCodeVerifier())
}

func TestGenerateCodeChallengeDeterministic(t *testing.T) {
	verifier := generateCodeVerifier()
	assert.Equal(t, generateCodeChallenge(verifier), generateCodeChallenge(verifier))
	assert.NotEqual(t, generateCodeChallenge(verifier), generateCodeChallenge(verifier+"x"))
}

func TestGenerateCodeChallengeKnownValue(t *testing.T) {
	// RFC 7636 appendix B test vector.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		generateCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestGenerateStateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state := generateState()
		require.NotEmpty(t, state)
		require.False(t, seen[state], "state repeated")
		seen[state] = true
	}
}
