package signinapp

import "fmt"

// AuthError means the companion code exchange did not yield a token.
// It is fatal to account setup.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sign in app connect failed: %s: %v", e.Reason, e.Err)
	}
	return "sign in app connect failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError is returned by authenticated calls when the transport
// fails, the service answers with a non-2xx status, or a success body
// cannot be decoded. StatusCode is 0 for transport failures.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("sign in app %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("sign in app %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("sign in app %s: %v", e.Op, e.Err)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }
