package account

import "errors"

var (
	// ErrNotFound is returned by the store for an unknown account id.
	ErrNotFound = errors.New("account not found")

	// ErrDuplicate is returned when an account with the same id or
	// unique id is already stored.
	ErrDuplicate = errors.New("account already configured")
)

// Reasons carried by ResolutionError.
const (
	ReasonNoAccounts       = "no accounts configured"
	ReasonNoAccountForRef  = "no account for device"
	ReasonAmbiguous        = "ambiguous — specify a device"
	ReasonUnrecognizedSite = "current site matches no configured site"
	ReasonNoSiteType       = "site type is required"
	ReasonNoSiteID         = "site id not configured"
)

// ResolutionError means an action could not be pinned to one account
// or one site.
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string {
	return "resolve target: " + e.Reason
}

// IsResolution reports whether err is a ResolutionError with the given
// reason. An empty reason matches any ResolutionError.
func IsResolution(err error, reason string) bool {
	var re *ResolutionError
	if !errors.As(err, &re) {
		return false
	}
	return reason == "" || re.Reason == reason
}
