package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/signinapp"
)

// Skip reasons reported in Outcome.
const (
	SkipNoSite = "no site specified or detected"
)

// Outcome describes what a presence action did.
type Outcome struct {
	AccountID string              `json:"account_id"`
	Direction signinapp.Direction `json:"direction"`
	SiteType  SiteType            `json:"site_type,omitempty"`
	SiteID    int                 `json:"site_id,omitempty"`
	Location  Location            `json:"location"`
	Detected  bool                `json:"detected,omitempty"`
	Skipped   bool                `json:"skipped,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Warning   string              `json:"warning,omitempty"`
	Response  json.RawMessage     `json:"response,omitempty"`
}

// Service performs sign-in and sign-out for registered accounts.
type Service struct {
	// Registry supplies accounts and their clients.
	Registry *account.Registry

	// Locations reads the location source for office actions. May be
	// nil, in which case office actions carry the null location.
	Locations StateGetter

	// OnSubmitted is called with the account id after the service
	// accepted an action.
	OnSubmitted func(accountID string)

	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// SignIn signs the account in at the given site. A site type is
// required.
func (s *Service) SignIn(ctx context.Context, accountID string, site SiteType) (Outcome, error) {
	entry, err := s.entry(accountID)
	if err != nil {
		return Outcome{}, err
	}
	if site == SiteUnknown {
		return Outcome{}, &account.ResolutionError{Reason: account.ReasonNoSiteType}
	}
	return s.submit(ctx, entry, signinapp.SignIn, site, Outcome{})
}

// SignOut signs the account out of the given site. With SiteUnknown the
// site is detected from the account's current status; when nothing is
// detected the returned Outcome is skipped and no event is sent.
func (s *Service) SignOut(ctx context.Context, accountID string, site SiteType) (Outcome, error) {
	entry, err := s.entry(accountID)
	if err != nil {
		return Outcome{}, err
	}
	if site != SiteUnknown {
		return s.submit(ctx, entry, signinapp.SignOut, site, Outcome{})
	}

	detected, ok, err := s.detectSite(ctx, entry)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{
			AccountID: accountID,
			Direction: signinapp.SignOut,
			Skipped:   true,
			Reason:    SkipNoSite,
		}, nil
	}
	return s.submit(ctx, entry, signinapp.SignOut, detected, Outcome{Detected: true})
}

// detectSite maps the account's current site to a site type. ok is
// false when the status could not be fetched or names no site; a site
// that matches neither configured site is a ResolutionError.
func (s *Service) detectSite(ctx context.Context, entry account.Entry) (SiteType, bool, error) {
	log := s.logger().With("account", entry.Account.ID)

	cfg, err := entry.Client.FetchStatus(ctx)
	if err != nil {
		log.Error("sign out site detection failed", "error", err)
		return SiteUnknown, false, nil
	}

	var visitor *signinapp.ReturningVisitor
	if cfg != nil {
		visitor = cfg.ReturningVisitor
	}
	current, ok := visitor.CurrentSite()
	if !ok {
		log.Warn("sign out skipped, not signed in at any site")
		return SiteUnknown, false, nil
	}

	// An unset site id is 0 and never matches.
	switch {
	case current != 0 && current == entry.Account.OfficeSiteID:
		return SiteOffice, true, nil
	case current != 0 && current == entry.Account.RemoteSiteID:
		return SiteRemote, true, nil
	default:
		log.Warn("current site matches no configured site", "site_id", current,
			"office_site_id", entry.Account.OfficeSiteID,
			"remote_site_id", entry.Account.RemoteSiteID)
		return SiteUnknown, false, &account.ResolutionError{Reason: account.ReasonUnrecognizedSite}
	}
}

func (s *Service) submit(ctx context.Context, entry account.Entry, dir signinapp.Direction, site SiteType, out Outcome) (Outcome, error) {
	acct := entry.Account
	log := s.logger().With("account", acct.ID, "direction", dir, "site_type", site)

	siteID, err := siteIDFor(acct, site)
	if err != nil {
		return Outcome{}, err
	}

	loc, warn := DeriveLocation(ctx, s.Locations, acct, site)
	if warn != nil {
		log.Warn("location unavailable, sending null location", "error", warn)
		out.Warning = warn.Error()
	} else if loc.IsZero() {
		log.Debug("sending null location")
	}

	out.AccountID = acct.ID
	out.Direction = dir
	out.SiteType = site
	out.SiteID = siteID
	out.Location = loc

	log.Info("submitting presence", "site_id", siteID, "detected", out.Detected,
		"lat", loc.Lat, "lng", loc.Lng, "accuracy", loc.Accuracy)

	resp, err := entry.Client.SubmitPresence(ctx, dir, siteID, loc.Lat, loc.Lng, loc.Accuracy)
	if err != nil {
		log.Error("presence submission failed", "error", err)
		return Outcome{}, err
	}
	out.Response = resp

	log.Info("presence submitted", "site_id", siteID)
	if s.OnSubmitted != nil {
		s.OnSubmitted(acct.ID)
	}
	return out, nil
}

func (s *Service) entry(accountID string) (account.Entry, error) {
	if s.Registry == nil {
		return account.Entry{}, &account.ResolutionError{Reason: account.ReasonNoAccounts}
	}
	entry, ok := s.Registry.Get(accountID)
	if !ok {
		return account.Entry{}, &account.ResolutionError{Reason: account.ReasonNoAccountForRef}
	}
	if entry.Client == nil {
		return account.Entry{}, errors.New("account " + accountID + " has no client")
	}
	return entry, nil
}

// siteIDFor returns the configured site id for site. Accounts added
// without site ids store 0, which the service cannot accept.
func siteIDFor(acct account.Account, site SiteType) (int, error) {
	var id int
	switch site {
	case SiteOffice:
		id = acct.OfficeSiteID
	case SiteRemote:
		id = acct.RemoteSiteID
	default:
		return 0, &account.ResolutionError{Reason: account.ReasonNoSiteType}
	}
	if id == 0 {
		return 0, &account.ResolutionError{Reason: account.ReasonNoSiteID}
	}
	return id, nil
}
