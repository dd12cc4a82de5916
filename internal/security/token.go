package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"log"
	"strings"
)

// placeholderPrefix matches the seed value convention used for all secrets;
// a secret still carrying it was never really configured.
const placeholderPrefix = "PLACEHOLDER_"

// CallbackAuthenticator validates the shared-secret token echoed back by the
// workflow engine on its result callback.
type CallbackAuthenticator struct {
	expected   []byte
	configured bool
}

func NewCallbackAuthenticator(expectedToken string) *CallbackAuthenticator {
	a := &CallbackAuthenticator{}
	if expectedToken == "" || strings.HasPrefix(expectedToken, placeholderPrefix) {
		log.Printf("ERROR: callback token is unset or a placeholder; all callbacks will be rejected")
		return a
	}
	sum := sha256.Sum256([]byte(expectedToken))
	a.expected = sum[:]
	a.configured = true
	return a
}

// Validate compares the provided token against the configured secret in
// constant time. Both sides are hashed first so the comparison work is
// independent of token length, including the missing-token case.
func (a *CallbackAuthenticator) Validate(providedToken string) bool {
	provided := sha256.Sum256([]byte(providedToken))

	if !a.configured {
		// Still burn a comparison so an unconfigured deployment is not
		// distinguishable by timing.
		var dummy [sha256.Size]byte
		subtle.ConstantTimeCompare(provided[:], dummy[:])
		return false
	}

	return subtle.ConstantTimeCompare(provided[:], a.expected) == 1
}
