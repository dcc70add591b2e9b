package client

import (
	"encoding/base64"
	"fmt"
	"io"
)

// secretBytes is the amount of entropy behind every state, nonce and verifier.
// 32 bytes encode to a 43 character verifier, the RFC 7636 minimum.
const secretBytes = 32

// SecretGenerator produces the per-login anti-replay secrets.
type SecretGenerator struct {
	random RandomSource
	digest Digest
}

// NewSecretGenerator builds a generator over the given capabilities.
func NewSecretGenerator(random RandomSource, digest Digest) *SecretGenerator {
	return &SecretGenerator{random: random, digest: digest}
}

// GenerateState returns a fresh state value.
func (g *SecretGenerator) GenerateState() (string, error) {
	return g.randomString("state")
}

// GenerateNonce returns a fresh nonce value.
func (g *SecretGenerator) GenerateNonce() (string, error) {
	return g.randomString("nonce")
}

// GenerateCodeVerifier returns a fresh PKCE code verifier.
func (g *SecretGenerator) GenerateCodeVerifier() (string, error) {
	return g.randomString("code_verifier")
}

// GenerateCodeChallenge derives the S256 challenge for verifier.
func (g *SecretGenerator) GenerateCodeChallenge(verifier string) (string, error) {
	if g.digest == nil {
		return "", &ConfigurationError{Field: "digest", Reason: "SHA-256 digest is unavailable"}
	}
	sum, err := g.digest.Sum256([]byte(verifier))
	if err != nil {
		return "", &ConfigurationError{Field: "digest", Reason: err.Error()}
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func (g *SecretGenerator) randomString(kind string) (string, error) {
	if g.random == nil {
		return "", &ConfigurationError{Field: "random", Reason: "secure random source is unavailable"}
	}
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", &ConfigurationError{Field: "random", Reason: fmt.Sprintf("generate %s: %v", kind, err)}
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
