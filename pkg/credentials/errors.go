package credentials

import "fmt"

// AuthConfigurationError reports bad local credential material. It is fatal to
// client construction and not retryable.
type AuthConfigurationError struct {
	Mode   Mode
	Reason string
	Err    error
}

func (e *AuthConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth configuration (%s): %s: %v", e.Mode, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth configuration (%s): %s", e.Mode, e.Reason)
}

func (e *AuthConfigurationError) Unwrap() error { return e.Err }

// AuthRefreshError reports that a refreshed credential could not be obtained or
// was rejected by the realtime service.
type AuthRefreshError struct {
	Reason string
	Err    error
}

func (e *AuthRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth refresh: %s: %v", e.Reason, e.Err)
	}
	return "auth refresh: " + e.Reason
}

func (e *AuthRefreshError) Unwrap() error { return e.Err }
