// Package account holds configured Sign In App accounts: their
// persisted settings, the in-memory registry of live accounts and the
// rules for picking which account an action applies to.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/signinbridge/internal/signinapp"
)

// DefaultOfficeAccuracy is the accuracy in meters reported for office
// presence events when the account does not override it.
const DefaultOfficeAccuracy = 50.0

// DefaultTitle names an account whose visitor name is unknown.
const DefaultTitle = "Sign In App"

// Account is one configured connection to the service.
type Account struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Token          string    `json:"-"`
	OfficeSiteID   int       `json:"office_site_id"`
	RemoteSiteID   int       `json:"remote_site_id"`
	LocationSource string    `json:"location_source,omitempty"`
	OfficeAccuracy float64   `json:"office_accuracy"`
	UniqueID       string    `json:"unique_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the fields every stored account needs.
func (a Account) Validate() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("account id is required")
	case a.Token == "":
		return fmt.Errorf("account %s: token is required", a.ID)
	case a.OfficeAccuracy < 0:
		return fmt.Errorf("account %s: office accuracy must not be negative", a.ID)
	}
	return nil
}

// NewID returns the account id for a new setup. The service's visitor
// id is preferred so a second setup of the same visitor is detected;
// without one a time-ordered UUID is generated.
func NewID(visitorID string) (string, error) {
	if visitorID != "" {
		return visitorID, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate account id: %w", err)
	}
	return id.String(), nil
}

// Remote is the subset of the service client the bridge calls after
// setup. *signinapp.Client satisfies it.
type Remote interface {
	SubmitPresence(ctx context.Context, dir signinapp.Direction, siteID int, lat, lng, accuracy float64) (json.RawMessage, error)
	FetchStatus(ctx context.Context) (*signinapp.ConfigResponse, error)
}

var _ Remote = (*signinapp.Client)(nil)

// Entry pairs a registered account with the client that acts for it.
type Entry struct {
	Account Account
	Client  Remote
}
