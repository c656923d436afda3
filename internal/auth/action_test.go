package auth

import (
	"testing"

	"github.com/signalix/identity/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for _, a := range []Action{ActionRequestOtp, ActionVerifyOtp, ActionRegister, ActionLogin, ActionRefreshToken} {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	for _, name := range []string{"", "REQUEST_OTP", "logout", "delete_account"} {
		_, err := ParseAction(name)
		assert.True(t, apperr.Is(err, apperr.KindValidation), name)
	}
	assert.Equal(t, "unknown", Action(0).String())
}
