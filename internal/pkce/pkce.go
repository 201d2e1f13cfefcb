// Package pkce generates the proof-key material for the OAuth 2.0
// authorization code flow (RFC 7636): code verifiers, their S256
// challenges, and the CSRF state values bound to each attempt.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	// verifierLength is the length of generated code verifiers. RFC 7636
	// allows 43-128 characters; 64 characters from the 66-symbol
	// unreserved alphabet gives well over 256 bits of entropy.
	verifierLength = 64

	// verifierAlphabet is the RFC 3986 unreserved character set, the
	// only characters a code verifier may contain.
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// stateBytes is the entropy of generated state values: 32 bytes,
	// double the 128-bit minimum for CSRF binding.
	stateBytes = 32
)

// GenerateVerifier returns a random PKCE code verifier drawn from the
// unreserved alphabet. It returns an error if the system's secure
// randomness source fails; there is no non-cryptographic fallback.
func GenerateVerifier() (string, error) {
	alphabetLen := big.NewInt(int64(len(verifierAlphabet)))
	out := make([]byte, verifierLength)

	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("reading secure randomness: %w", err)
		}

		out[i] = verifierAlphabet[n.Int64()]
	}

	return string(out), nil
}

// ChallengeFor derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding. Deterministic.
func ChallengeFor(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// GenerateState returns a random hex string used to bind the provider
// callback to an attempt this client started. It is generated
// independently of the verifier and must never be reused as one.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading secure randomness: %w", err)
	}

	return hex.EncodeToString(b), nil
}
