// Package presence turns configured accounts into sign-in and sign-out
// events and turns fetched visitor records into a status value.
package presence

import (
	"fmt"
	"strings"
)

// SiteType selects which of an account's two sites an action applies
// to. The zero value means no site was given or detected.
type SiteType string

const (
	SiteUnknown SiteType = ""
	SiteOffice  SiteType = "office"
	SiteRemote  SiteType = "remote"
)

// ParseSiteType accepts "office", "remote" or an empty string, in any
// case.
func ParseSiteType(s string) (SiteType, error) {
	switch SiteType(strings.ToLower(strings.TrimSpace(s))) {
	case SiteUnknown:
		return SiteUnknown, nil
	case SiteOffice:
		return SiteOffice, nil
	case SiteRemote:
		return SiteRemote, nil
	default:
		return SiteUnknown, fmt.Errorf("unknown site type %q", s)
	}
}

func (t SiteType) String() string {
	if t == SiteUnknown {
		return "unknown"
	}
	return string(t)
}
