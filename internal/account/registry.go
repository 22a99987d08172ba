package account

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DevicePrefix prefixes the device identifier published for each
// account, so "signinapp_<id>" names the account's device.
const DevicePrefix = "signinapp_"

// DeviceIdentifier returns the device identifier for an account id.
func DeviceIdentifier(accountID string) string {
	return DevicePrefix + accountID
}

// DeviceDirectory maps a host device id to the identifiers the host
// has recorded for that device. The Home Assistant WebSocket client
// implements it against the device registry.
type DeviceDirectory interface {
	DeviceIdentifiers(ctx context.Context, deviceID string) ([]string, error)
}

// Default lifetimes for cached directory answers.
const (
	DefaultDirectoryTTL     = 5 * time.Minute
	defaultDirectoryCleanup = 10 * time.Minute
)

// Registry is the set of accounts the running bridge acts for. It is
// owned by the caller and passed to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	directory DeviceDirectory
	devices   *cache.Cache
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDeviceDirectory enables lookups by host device id. ttl bounds how
// long an answer is reused; zero selects DefaultDirectoryTTL.
func WithDeviceDirectory(d DeviceDirectory, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl <= 0 {
			ttl = DefaultDirectoryTTL
		}
		r.directory = d
		r.devices = cache.New(ttl, defaultDirectoryCleanup)
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]Entry),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces the entry for a.ID.
func (r *Registry) Register(a Account, client Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.ID] = Entry{Account: a, Client: client}
}

// Unregister removes an account. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// IDs returns the registered account ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LookupByDeviceRef maps a device reference to a registered account id.
// A reference may be an account id, a published device identifier, or
// a host device id known to the device directory. The result is absent
// when the device is unknown or its account is not registered here.
func (r *Registry) LookupByDeviceRef(ctx context.Context, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if id, ok := r.matchIdentifier(ref); ok {
		return id, true
	}
	if r.directory == nil {
		return "", false
	}

	identifiers, err := r.deviceIdentifiers(ctx, ref)
	if err != nil {
		r.logger.Warn("device lookup failed", "device", ref, "error", err)
		return "", false
	}
	for _, ident := range identifiers {
		if id, ok := r.matchIdentifier(ident); ok {
			return id, true
		}
	}
	return "", false
}

// ResolveTarget picks the account an action applies to.
//
// With no accounts registered it fails with ReasonNoAccounts whatever
// deviceRef holds. A non-empty deviceRef must resolve through
// LookupByDeviceRef. Without one, a lone account is chosen and several
// accounts are ambiguous.
func (r *Registry) ResolveTarget(ctx context.Context, deviceRef string) (string, error) {
	if r.Len() == 0 {
		return "", &ResolutionError{Reason: ReasonNoAccounts}
	}

	if strings.TrimSpace(deviceRef) != "" {
		id, ok := r.LookupByDeviceRef(ctx, deviceRef)
		if !ok {
			return "", &ResolutionError{Reason: ReasonNoAccountForRef}
		}
		return id, nil
	}

	ids := r.IDs()
	if len(ids) == 1 {
		return ids[0], nil
	}
	if len(ids) == 0 {
		return "", &ResolutionError{Reason: ReasonNoAccounts}
	}
	return "", &ResolutionError{Reason: ReasonAmbiguous}
}

// matchIdentifier accepts a registered account id with or without the
// device prefix.
func (r *Registry) matchIdentifier(ident string) (string, bool) {
	candidates := []string{ident}
	if rest, ok := strings.CutPrefix(ident, DevicePrefix); ok {
		candidates = append(candidates, rest)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range candidates {
		if _, ok := r.entries[c]; ok {
			return c, true
		}
	}
	return "", false
}

func (r *Registry) deviceIdentifiers(ctx context.Context, deviceID string) ([]string, error) {
	if cached, ok := r.devices.Get(deviceID); ok {
		return cached.([]string), nil
	}
	identifiers, err := r.directory.DeviceIdentifiers(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	r.devices.SetDefault(deviceID, identifiers)
	return identifiers, nil
}
