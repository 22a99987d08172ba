package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/signinbridge/internal/account"
)

// accountSyncInterval is how often a running bridge re-reads the
// account store, so accounts changed from the command line take effect
// without a restart.
const accountSyncInterval = 30 * time.Second

// accountSync keeps a Registry in step with the account store.
type accountSync struct {
	store     *account.Store
	registry  *account.Registry
	newClient func(account.Account) account.Remote
	logger    *slog.Logger

	// onAdded runs for accounts registered or re-registered by a sync.
	onAdded func(id string)
	// onRemoved runs for accounts dropped from the store.
	onRemoved func(ctx context.Context, id string)
}

// sync registers new and changed accounts and unregisters removed
// ones. It reports the ids in each group.
func (s *accountSync) sync(ctx context.Context) (added, removed []string, err error) {
	accts, err := s.store.List()
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts: %w", err)
	}

	stored := make(map[string]bool, len(accts))
	for _, a := range accts {
		stored[a.ID] = true
		if cur, ok := s.registry.Get(a.ID); ok && !accountChanged(cur.Account, a) {
			continue
		}
		s.registry.Register(a, s.newClient(a))
		added = append(added, a.ID)
	}

	for _, id := range s.registry.IDs() {
		if stored[id] {
			continue
		}
		s.registry.Unregister(id)
		removed = append(removed, id)
	}

	for _, id := range added {
		if s.onAdded != nil {
			s.onAdded(id)
		}
	}
	for _, id := range removed {
		if s.onRemoved != nil {
			s.onRemoved(ctx, id)
		}
	}
	return added, removed, nil
}

// run syncs every interval until ctx is cancelled.
func (s *accountSync) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, removed, err := s.sync(ctx)
			if err != nil {
				s.logger.Warn("account sync failed", "error", err)
				continue
			}
			if len(added) > 0 || len(removed) > 0 {
				s.logger.Info("accounts changed",
					"added", added,
					"removed", removed,
					"count", s.registry.Len(),
				)
			}
		}
	}
}

// accountChanged compares the settings that affect how an account is
// served. Timestamps are ignored.
func accountChanged(cur, next account.Account) bool {
	return cur.Title != next.Title ||
		cur.Token != next.Token ||
		cur.OfficeSiteID != next.OfficeSiteID ||
		cur.RemoteSiteID != next.RemoteSiteID ||
		cur.LocationSource != next.LocationSource ||
		cur.OfficeAccuracy != next.OfficeAccuracy
}
