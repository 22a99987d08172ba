package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/signinbridge/internal/account"
)

// DefaultPollInterval is how often every account's status is fetched.
const DefaultPollInterval = time.Minute

// Status is the published view of one account.
type Status struct {
	AccountID  string         `json:"account_id"`
	Title      string         `json:"title"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Stale      bool           `json:"stale"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Sink receives every status the poller computes. The MQTT publisher
// implements it.
type Sink interface {
	PublishStatus(ctx context.Context, st Status) error
}

// PollerConfig configures the status poller.
type PollerConfig struct {
	// Registry lists the accounts to poll.
	Registry *account.Registry

	// Sink receives status updates. Optional.
	Sink Sink

	// PollInterval is the time between poll cycles.
	PollInterval time.Duration

	Logger *slog.Logger
}

// accountState holds the latest snapshot for one account. The snapshot
// pointer is swapped whole so readers never see a partial update.
type accountState struct {
	snap      atomic.Pointer[Snapshot]
	stale     atomic.Bool
	updatedAt atomic.Pointer[time.Time]
}

// Poller fetches every registered account's status on a fixed interval
// and on demand.
type Poller struct {
	cfg PollerConfig
	now func() time.Time

	mu     sync.Mutex
	states map[string]*accountState

	refresh chan string
}

// NewPoller creates a status poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Poller{
		cfg:     cfg,
		now:     time.Now,
		states:  make(map[string]*accountState),
		refresh: make(chan string, 16),
	}
}

// Start runs the polling loop until ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case id := <-p.refresh:
			if _, err := p.Refresh(ctx, id); err != nil {
				p.cfg.Logger.Debug("requested refresh failed", "account", id, "error", err)
			}
		}
	}
}

// RequestRefresh queues an out-of-cycle refresh for accountID. It never
// blocks; a request is dropped when the queue is full.
func (p *Poller) RequestRefresh(accountID string) {
	select {
	case p.refresh <- accountID:
	default:
		p.cfg.Logger.Debug("refresh queue full, dropping request", "account", accountID)
	}
}

func (p *Poller) poll(ctx context.Context) {
	for _, id := range p.cfg.Registry.IDs() {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.Refresh(ctx, id); err != nil {
			p.cfg.Logger.Warn("status poll failed", "account", id, "error", err)
		}
	}
}

// Refresh fetches one account's status now. On failure the previous
// snapshot is kept, the account is marked stale and the error is
// returned.
func (p *Poller) Refresh(ctx context.Context, accountID string) (Status, error) {
	entry, ok := p.cfg.Registry.Get(accountID)
	if !ok {
		return Status{}, &account.ResolutionError{Reason: account.ReasonNoAccountForRef}
	}
	if entry.Client == nil {
		return Status{}, fmt.Errorf("account %s has no client", accountID)
	}
	st := p.state(accountID)

	cfg, err := entry.Client.FetchStatus(ctx)
	if err != nil {
		st.stale.Store(true)
		status := p.status(entry.Account, st)
		p.publish(ctx, status)
		return status, err
	}

	now := p.now()
	st.snap.Store(SnapshotFromConfig(cfg, now))
	st.stale.Store(false)
	st.updatedAt.Store(&now)

	status := p.status(entry.Account, st)
	p.cfg.Logger.Log(ctx, slog.Level(-8), "status refreshed", // config.LevelTrace
		"account", accountID,
		"state", status.State,
	)
	p.publish(ctx, status)
	return status, nil
}

// Snapshot returns the latest snapshot for accountID, or nil before the
// first successful fetch.
func (p *Poller) Snapshot(accountID string) *Snapshot {
	p.mu.Lock()
	st, ok := p.states[accountID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return st.snap.Load()
}

// Status returns the current published view of accountID without
// fetching.
func (p *Poller) Status(accountID string) (Status, bool) {
	entry, ok := p.cfg.Registry.Get(accountID)
	if !ok {
		return Status{}, false
	}
	return p.status(entry.Account, p.state(accountID)), true
}

// Forget drops the cached state of an unregistered account.
func (p *Poller) Forget(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, accountID)
}

func (p *Poller) state(accountID string) *accountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[accountID]
	if !ok {
		st = &accountState{}
		p.states[accountID] = st
	}
	return st
}

func (p *Poller) status(acct account.Account, st *accountState) Status {
	snap := st.snap.Load()
	attrs := Attributes(snap)
	stale := st.stale.Load()
	attrs["stale"] = stale

	title := acct.Title
	if snap != nil && snap.VisitorName != "" {
		title = snap.VisitorName
	}

	var updated time.Time
	if t := st.updatedAt.Load(); t != nil {
		updated = *t
	}

	return Status{
		AccountID:  acct.ID,
		Title:      title,
		State:      Normalize(snap, acct),
		Attributes: attrs,
		Stale:      stale,
		UpdatedAt:  updated,
	}
}

func (p *Poller) publish(ctx context.Context, st Status) {
	if p.cfg.Sink == nil {
		return
	}
	if err := p.cfg.Sink.PublishStatus(ctx, st); err != nil {
		p.cfg.Logger.Warn("status publish failed", "account", st.AccountID, "error", err)
	}
}
