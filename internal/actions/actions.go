// Package actions is the entry point for sign-in and sign-out requests
// arriving from Home Assistant events, MQTT commands, the HTTP API and
// the command line. It validates a request, picks the target account
// and hands it to the presence service.
package actions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/nugget/signinbridge/internal/presence"
)

// Action names.
const (
	ActionSignIn  = "sign_in"
	ActionSignOut = "sign_out"
)

var (
	// ErrInvalidRequest is returned for a malformed request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimited is returned when an account has exceeded its
	// action rate.
	ErrRateLimited = errors.New("rate limited")
)

// Request asks for one presence action. Device is optional and names
// the target account by account id, device identifier or Home
// Assistant device id.
type Request struct {
	Action   string `json:"action"`
	SiteType string `json:"site_type,omitempty"`
	Device   string `json:"device,omitempty"`
}

// Validate checks the action and site type and returns the parsed site
// type. Sign-in requires a site type; sign-out does not.
func (r Request) Validate() (presence.SiteType, error) {
	site, err := presence.ParseSiteType(r.SiteType)
	if err != nil {
		return presence.SiteUnknown, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	switch r.Action {
	case ActionSignIn:
		if site == presence.SiteUnknown {
			return presence.SiteUnknown, fmt.Errorf("%w: sign_in requires site_type office or remote", ErrInvalidRequest)
		}
	case ActionSignOut:
	default:
		return presence.SiteUnknown, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, r.Action)
	}
	return site, nil
}

// eventData is the payload of a Home Assistant sign-in or sign-out
// event.
type eventData struct {
	SiteType string `mapstructure:"site_type"`
	DeviceID string `mapstructure:"device_id"`
	Device   string `mapstructure:"device"`
}

// DecodeEventData builds a Request from a Home Assistant event. The
// event type must end in "sign_in" or "sign_out"; data may carry
// site_type and device_id (or device).
func DecodeEventData(eventType string, data map[string]any) (Request, error) {
	var req Request
	switch {
	case strings.HasSuffix(eventType, ActionSignIn):
		req.Action = ActionSignIn
	case strings.HasSuffix(eventType, ActionSignOut):
		req.Action = ActionSignOut
	default:
		return Request{}, fmt.Errorf("%w: event %q is not a presence action", ErrInvalidRequest, eventType)
	}

	var ed eventData
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ed,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Request{}, err
	}
	if err := dec.Decode(data); err != nil {
		return Request{}, fmt.Errorf("%w: decode event data: %v", ErrInvalidRequest, err)
	}

	req.SiteType = ed.SiteType
	req.Device = ed.DeviceID
	if req.Device == "" {
		req.Device = ed.Device
	}
	return req, nil
}

// Commands accepted on an account's command topic, one per button.
var commands = map[string]Request{
	"sign_in_office":  {Action: ActionSignIn, SiteType: string(presence.SiteOffice)},
	"sign_in_remote":  {Action: ActionSignIn, SiteType: string(presence.SiteRemote)},
	"sign_out_office": {Action: ActionSignOut, SiteType: string(presence.SiteOffice)},
	"sign_out_remote": {Action: ActionSignOut, SiteType: string(presence.SiteRemote)},
	"sign_out":        {Action: ActionSignOut},
}

// CommandNames lists the per-account commands in display order.
var CommandNames = []string{
	"sign_in_office",
	"sign_in_remote",
	"sign_out_office",
	"sign_out_remote",
	"sign_out",
}

// ParseCommand maps a command name to a Request for accountID.
func ParseCommand(accountID, name string) (Request, error) {
	req, ok := commands[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, name)
	}
	req.Device = accountID
	return req, nil
}
