package rewards

import "fmt"

// ValidationError reports a structurally malformed request. No state was
// changed; callers should surface it as a 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a request whose signature did not resolve to an
// allowed signer. No state was changed; callers should surface it as a 403.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}
