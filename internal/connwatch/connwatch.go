// Package connwatch supervises the bridge's long-lived links (the Home
// Assistant WebSocket, the MQTT broker) and reports their health.
//
// A Watcher runs one loop per link: probe, and while the probe fails
// retry with exponential backoff (2s, 4s, 8s, ... capped at 60s). Once
// healthy it waits for either the poll interval or the link's drop
// signal, then probes again. The probe is expected to (re-)establish
// the link when it is down, so a dropped WebSocket is restored within
// one backoff step instead of one poll interval.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second dial races on a single request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks a link and reconnects it if needed. Return nil if
// the link is usable.
type ProbeFunc func(ctx context.Context) error

// DropFunc returns a channel that is closed when the link drops. It is
// called again after every successful probe. A nil channel never
// fires.
type DropFunc func() <-chan struct{}

// Backoff controls retry timing.
type Backoff struct {
	// InitialDelay is the delay after the first failure (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the time between probes of a healthy link
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 30s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s, a 60s health poll and a
// 30s probe timeout, which leaves room for a WebSocket auth handshake.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the delay that follows cur.
func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.InitialDelay
	}
	n := time.Duration(float64(cur) * b.Multiplier)
	if n > b.MaxDelay {
		n = b.MaxDelay
	}
	return n
}

// WatcherConfig configures a single link watcher.
type WatcherConfig struct {
	// Name identifies the link in logs and status (e.g. "mqtt").
	Name string

	// Probe checks the link. Must be safe for concurrent use.
	Probe ProbeFunc

	// Dropped reports link loss between probes. Optional.
	Dropped DropFunc

	Backoff Backoff

	// OnReady is called when the link transitions to healthy. Called
	// in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when a healthy link fails. Called in a separate
	// goroutine. Optional.
	OnDown func(err error)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// LinkStatus is the health of one watched link.
type LinkStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher supervises one link.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the link is currently healthy.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health of the link.
func (w *Watcher) Status() LinkStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := LinkStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	var delay time.Duration

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		if err != nil {
			if w.ready.Swap(false) {
				logger.Warn("link lost", "link", w.config.Name, "error", err)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			}
			delay = cfg.next(delay)
			logger.Debug("link probe failed, retrying",
				"link", w.config.Name,
				"next_delay", delay.String(),
				"error", err,
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		delay = 0
		if !w.ready.Swap(true) {
			logger.Info("link ready", "link", w.config.Name)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		}

		var dropped <-chan struct{}
		if w.config.Dropped != nil {
			dropped = w.config.Dropped()
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-dropped:
			timer.Stop()
			logger.Info("link dropped, reconnecting", "link", w.config.Name)
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched link, ordered by name.
func (m *Manager) Status() []LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LinkStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched link is healthy.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
