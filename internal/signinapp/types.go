package signinapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Direction selects the presence endpoint a submission goes to.
type Direction string

const (
	SignIn  Direction = "sign-in"
	SignOut Direction = "sign-out"
)

// path returns the endpoint for d.
func (d Direction) path() (string, error) {
	switch d {
	case SignIn:
		return "/sign-in", nil
	case SignOut:
		return "/sign-out", nil
	default:
		return "", fmt.Errorf("unknown presence direction %q", string(d))
	}
}

// Location is the geolocation triple attached to every presence event.
// Field order matches the vendor web companion's payload.
type Location struct {
	Accuracy float64 `json:"accuracy"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// PresenceRequest is the body of a sign-in or sign-out call. Method is
// only present on sign-in. The empty collections and the explicit null
// notifyId are required by the service.
type PresenceRequest struct {
	Method         string            `json:"method,omitempty"`
	Automated      bool              `json:"automated"`
	Location       Location          `json:"location"`
	SiteID         int               `json:"siteId"`
	Additional     []any             `json:"additional"`
	PersonalFields map[string]any    `json:"personalFields"`
	NotifyID       *string           `json:"notifyId"`
	Messages       []json.RawMessage `json:"messages"`
}

// NewPresenceRequest builds the body for a presence event.
func NewPresenceRequest(dir Direction, siteID int, lat, lng, accuracy float64) PresenceRequest {
	req := PresenceRequest{
		Automated:      false,
		Location:       Location{Accuracy: accuracy, Lat: lat, Lng: lng},
		SiteID:         siteID,
		Additional:     []any{},
		PersonalFields: map[string]any{},
		Messages:       []json.RawMessage{},
	}
	if dir == SignIn {
		req.Method = string(SignIn)
	}
	return req
}

type connectRequest struct {
	Code string `json:"code"`
}

type connectResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// ConfigResponse is the decoded body of GET /config-v2. Both top-level
// fields are optional.
type ConfigResponse struct {
	Sites            []Site            `json:"sites,omitempty"`
	ReturningVisitor *ReturningVisitor `json:"returningVisitor,omitempty"`
}

// Site is one location known to the service.
type Site struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ReturningVisitor is the caller's own presence record. LastIn, LastOut
// and GroupID are passed through untouched.
type ReturningVisitor struct {
	ID      FlexString      `json:"id"`
	Status  string          `json:"status"`
	SiteID  json.RawMessage `json:"siteId,omitempty"`
	LastIn  json.RawMessage `json:"lastIn,omitempty"`
	LastOut json.RawMessage `json:"lastOut,omitempty"`
	Name    string          `json:"name"`
	GroupID json.RawMessage `json:"groupId,omitempty"`
}

// CurrentSite returns the reported site id. A missing or null siteId,
// or one that is neither an integer nor a numeric string, is absent.
func (v *ReturningVisitor) CurrentSite() (int, bool) {
	if v == nil {
		return 0, false
	}
	raw := bytes.TrimSpace(v.SiteID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.Trim(string(raw), `"`))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FlexString decodes a JSON string or number into its string form.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("visitor id %s is neither string nor number", data)
	}
	*f = FlexString(n.String())
	return nil
}
