package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAcceptsCorrectToken(t *testing.T) {
	auth := NewCallbackAuthenticator("real-secret-token")

	assert.True(t, auth.Validate("real-secret-token"))
}

func TestValidateRejectsWrongToken(t *testing.T) {
	auth := NewCallbackAuthenticator("real-secret-token")

	assert.False(t, auth.Validate("wrong-token"))
	assert.False(t, auth.Validate(""))
	assert.False(t, auth.Validate("real-secret-token "))
}

func TestValidateFailsClosedWhenUnconfigured(t *testing.T) {
	for _, secret := range []string{"", "PLACEHOLDER_CALLBACK_TOKEN"} {
		auth := NewCallbackAuthenticator(secret)

		// Every token is rejected, including the placeholder itself and the
		// empty token.
		assert.False(t, auth.Validate(""))
		assert.False(t, auth.Validate(secret))
		assert.False(t, auth.Validate("anything"))
	}
}
