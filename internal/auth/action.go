package auth

import (
	"github.com/signalix/identity/internal/apperr"
)

// Action selects an orchestrator operation on the public auth endpoint.
type Action int

const (
	ActionRequestOtp Action = iota + 1
	ActionVerifyOtp
	ActionRegister
	ActionLogin
	ActionRefreshToken
)

var actionNames = map[Action]string{
	ActionRequestOtp:   "request_otp",
	ActionVerifyOtp:    "verify_otp",
	ActionRegister:     "register",
	ActionLogin:        "login",
	ActionRefreshToken: "refresh_token",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction maps a wire action name to an Action. Unknown names are a validation error.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, errUnknownAction()
}

func errUnknownAction() error {
	return apperr.Validation("unknown action", map[string]string{"action": "must be one of: request_otp verify_otp register login refresh_token"})
}
