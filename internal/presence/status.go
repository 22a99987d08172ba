package presence

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/signinapp"
)

// Presence states reported for an account. Statuses outside this set
// are passed through lowercased.
const (
	StateUnknown         = "unknown"
	StateSignedIn        = "signed_in"
	StateSignedOut       = "signed_out"
	StateSignedInOffice  = "signed_in_office"
	StateSignedInRemote  = "signed_in_remote"
	StateSignedOutOffice = "signed_out_office"
	StateSignedOutRemote = "signed_out_remote"
)

// Snapshot is the last fetched visitor record for one account. A new
// Snapshot replaces the previous one; fields are never updated in
// place.
type Snapshot struct {
	Status        string
	CurrentSiteID *int
	SiteID        json.RawMessage
	LastIn        json.RawMessage
	LastOut       json.RawMessage
	VisitorName   string
	VisitorID     string
	GroupID       json.RawMessage
	Sites         []signinapp.Site
	FetchedAt     time.Time
}

// SnapshotFromConfig builds a Snapshot from a status response. A
// response without a visitor record yields a Snapshot with an empty
// status.
func SnapshotFromConfig(cfg *signinapp.ConfigResponse, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{FetchedAt: fetchedAt}
	if cfg == nil {
		return s
	}
	s.Sites = cfg.Sites

	v := cfg.ReturningVisitor
	if v == nil {
		return s
	}
	s.Status = v.Status
	s.LastIn = v.LastIn
	s.LastOut = v.LastOut
	s.VisitorName = v.Name
	s.VisitorID = string(v.ID)
	s.GroupID = v.GroupID
	s.SiteID = v.SiteID
	if site, ok := v.CurrentSite(); ok {
		s.CurrentSiteID = &site
	}
	return s
}

// Normalize maps a snapshot to a presence state for acct. It is case
// insensitive and never fails: unexpected statuses are returned
// lowercased.
func Normalize(snap *Snapshot, acct account.Account) string {
	if snap == nil || strings.TrimSpace(snap.Status) == "" {
		return StateUnknown
	}

	status := strings.ToLower(strings.TrimSpace(snap.Status))
	if status != StateSignedIn && status != StateSignedOut {
		return status
	}
	if snap.CurrentSiteID == nil {
		return status
	}

	site := strconv.Itoa(*snap.CurrentSiteID)
	switch {
	case acct.RemoteSiteID != 0 && site == strconv.Itoa(acct.RemoteSiteID):
		return status + "_remote"
	case acct.OfficeSiteID != 0 && site == strconv.Itoa(acct.OfficeSiteID):
		return status + "_office"
	default:
		return status
	}
}

// Attributes returns the passthrough attributes published alongside
// the state. Timestamps, the site id and the group id are forwarded as
// the service sent them.
func Attributes(snap *Snapshot) map[string]any {
	attrs := map[string]any{
		"last_in":  nil,
		"last_out": nil,
		"site_id":  nil,
		"name":     nil,
		"group_id": nil,
	}
	if snap == nil {
		return attrs
	}
	attrs["last_in"] = passthrough(snap.LastIn)
	attrs["last_out"] = passthrough(snap.LastOut)
	attrs["site_id"] = passthrough(snap.SiteID)
	if attrs["site_id"] == nil && snap.CurrentSiteID != nil {
		attrs["site_id"] = *snap.CurrentSiteID
	}
	if snap.VisitorName != "" {
		attrs["name"] = snap.VisitorName
	}
	attrs["group_id"] = passthrough(snap.GroupID)
	return attrs
}

// passthrough returns raw unchanged, or nil for an absent or null
// value.
func passthrough(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
