package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// CredentialLength is the number of characters in a generated credential.
const CredentialLength = 22

const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Credential is an opaque token proving ownership of a username.
type Credential string

// Matches reports whether presented equals c byte for byte. An empty
// credential never matches.
func (c Credential) Matches(presented Credential) bool {
	if c == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c), []byte(presented)) == 1
}

// CredentialGenerator produces fresh credentials.
type CredentialGenerator func() (Credential, error)

// NewCredential returns CredentialLength random alphanumeric characters drawn
// from crypto/rand. Bytes that would bias the alphabet are rejected.
func NewCredential() (Credential, error) {
	const limit = 256 - 256%len(credentialAlphabet)

	out := make([]byte, 0, CredentialLength)
	buf := make([]byte, CredentialLength*2)
	for len(out) < CredentialLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate credential: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, credentialAlphabet[int(b)%len(credentialAlphabet)])
			if len(out) == CredentialLength {
				break
			}
		}
	}
	return Credential(out), nil
}
