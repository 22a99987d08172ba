package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/config"
	"github.com/nugget/signinbridge/internal/homeassistant"
	"github.com/nugget/signinbridge/internal/httpkit"
	"github.com/nugget/signinbridge/internal/signinapp"
)

// accountsDB is the account database file name under the data dir.
const accountsDB = "accounts.db"

// openStore opens the account store, creating the data directory on
// first use.
func openStore(cfg *config.Config) (*account.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	store, err := account.NewStore(filepath.Join(cfg.DataDir, accountsDB))
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	return store, nil
}

// newVendorClient builds a Sign In App client for one account token.
// The client sets the companion app's headers itself, so httpkit adds
// no User-Agent.
func newVendorClient(cfg *config.Config, token, timezone string, logger *slog.Logger) *signinapp.Client {
	hc := httpkit.NewClient(
		httpkit.WithTimeout(cfg.SignInApp.Timeout),
		httpkit.WithoutUserAgent(),
		httpkit.WithLogger(logger),
	)
	return signinapp.NewClient(cfg.SignInApp.BaseURL, token,
		signinapp.WithTimezone(timezone),
		signinapp.WithHTTPClient(hc),
		signinapp.WithLogger(logger),
	)
}

// newHAClient returns the Home Assistant REST client, or nil when HA
// is not configured.
func newHAClient(cfg *config.Config, logger *slog.Logger) *homeassistant.Client {
	if !cfg.HomeAssistant.Configured() {
		return nil
	}
	return homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
}

// resolveTimezone picks the zone sent as x-timezone: the configured
// one, else Home Assistant's, else the service default.
func resolveTimezone(ctx context.Context, cfg *config.Config, ha *homeassistant.Client, logger *slog.Logger) string {
	if cfg.Timezone != "" {
		return cfg.Timezone
	}
	if ha != nil {
		tzCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		haCfg, err := ha.GetConfig(tzCtx)
		if err == nil && haCfg.TimeZone != "" {
			logger.Debug("using Home Assistant timezone", "timezone", haCfg.TimeZone)
			return haCfg.TimeZone
		}
		if err != nil {
			logger.Warn("could not read Home Assistant timezone, using default",
				"default", config.DefaultTimezone, "error", err)
		}
	}
	return config.DefaultTimezone
}

// registerAccounts loads every stored account into reg with its own
// client and returns how many were registered.
func registerAccounts(store *account.Store, reg *account.Registry, cfg *config.Config, timezone string, logger *slog.Logger) (int, error) {
	accts, err := store.List()
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accts {
		reg.Register(a, newVendorClient(cfg, a.Token, timezone, logger.With("account", a.ID)))
	}
	return len(accts), nil
}
