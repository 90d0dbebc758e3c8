// Package smartauth drives the SMART-on-FHIR authorization-code + PKCE flow
// used to establish and refresh a Connection's vendor credentials.
package smartauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes is chosen so the base64url-encoded verifier comfortably
// exceeds the 43-character minimum the PKCE RFC requires.
const verifierBytes = 64

// codeVerifier is a cryptographically random string used to bind an
// authorization code to the client that requested it.
type codeVerifier string

func newCodeVerifier() (codeVerifier, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return codeVerifier(base64.RawURLEncoding.EncodeToString(b)), nil
}

// challenge derives the S256 code_challenge for this verifier.
func (v codeVerifier) challenge() string {
	sum := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
