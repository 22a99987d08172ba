package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/presence"
)

// Presence performs resolved actions. *presence.Service satisfies it.
type Presence interface {
	SignIn(ctx context.Context, accountID string, site presence.SiteType) (presence.Outcome, error)
	SignOut(ctx context.Context, accountID string, site presence.SiteType) (presence.Outcome, error)
}

var _ Presence = (*presence.Service)(nil)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *account.Registry
	Presence Presence

	// RatePerMinute bounds actions per account. Zero disables the
	// limit.
	RatePerMinute float64
	Burst         int

	Logger *slog.Logger
}

// Dispatcher resolves requests to accounts and runs them.
type Dispatcher struct {
	cfg   DispatcherConfig
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg,
		limit:    rate.Inf,
		burst:    cfg.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.RatePerMinute > 0 {
		d.limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	if d.burst < 1 {
		d.burst = 1
	}
	return d
}

// Dispatch validates req, resolves its target account and performs the
// action.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (presence.Outcome, error) {
	site, err := req.Validate()
	if err != nil {
		return presence.Outcome{}, err
	}

	accountID, err := d.cfg.Registry.ResolveTarget(ctx, req.Device)
	if err != nil {
		d.cfg.Logger.Warn("action target not resolved",
			"action", req.Action, "device", req.Device, "error", err)
		return presence.Outcome{}, err
	}

	if !d.limiter(accountID).Allow() {
		d.cfg.Logger.Warn("action rate limited", "action", req.Action, "account", accountID)
		return presence.Outcome{}, fmt.Errorf("account %s: %w", accountID, ErrRateLimited)
	}

	d.cfg.Logger.Info("dispatching action",
		"action", req.Action, "account", accountID, "site_type", site)

	if req.Action == ActionSignIn {
		return d.cfg.Presence.SignIn(ctx, accountID, site)
	}
	return d.cfg.Presence.SignOut(ctx, accountID, site)
}

// Forget drops the limiter of a removed account.
func (d *Dispatcher) Forget(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, accountID)
}

func (d *Dispatcher) limiter(accountID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[accountID] = l
	}
	return l
}
