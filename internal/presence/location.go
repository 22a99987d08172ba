package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/homeassistant"
)

// ErrLocationUnavailable marks a location source that could not supply
// coordinates. It is a warning, never a reason to abort an action.
var ErrLocationUnavailable = errors.New("location unavailable")

// StateGetter reads one entity state. *homeassistant.Client satisfies
// it.
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Location is the coordinate triple sent with a presence event.
type Location struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

// IsZero reports whether l is the null-location sentinel.
func (l Location) IsZero() bool {
	return l == Location{}
}

// DeriveLocation returns the coordinates to report for an action.
//
// Office actions read latitude and longitude from the account's
// location source and pair them with the account's office accuracy.
// When the source is missing or malformed the zero Location is returned
// with a warning wrapping ErrLocationUnavailable. Remote and unknown
// site types always yield the zero Location without a lookup.
func DeriveLocation(ctx context.Context, src StateGetter, acct account.Account, site SiteType) (Location, error) {
	if site != SiteOffice {
		return Location{}, nil
	}
	if acct.LocationSource == "" {
		return Location{}, fmt.Errorf("account %s has no location source: %w", acct.ID, ErrLocationUnavailable)
	}
	if src == nil {
		return Location{}, fmt.Errorf("no state reader for %s: %w", acct.LocationSource, ErrLocationUnavailable)
	}

	state, err := src.GetState(ctx, acct.LocationSource)
	if err != nil {
		return Location{}, fmt.Errorf("read %s: %v: %w", acct.LocationSource, err, ErrLocationUnavailable)
	}
	if state == nil {
		return Location{}, fmt.Errorf("%s not found: %w", acct.LocationSource, ErrLocationUnavailable)
	}

	lat, latOK := toFloat(state.Attributes["latitude"])
	lng, lngOK := toFloat(state.Attributes["longitude"])
	if !latOK || !lngOK {
		return Location{}, fmt.Errorf("%s has no numeric latitude/longitude: %w", acct.LocationSource, ErrLocationUnavailable)
	}

	return Location{Lat: lat, Lng: lng, Accuracy: acct.OfficeAccuracy}, nil
}

// toFloat coerces a decoded JSON attribute to a float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
