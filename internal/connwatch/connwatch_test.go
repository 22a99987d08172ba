package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: time.Hour,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoff_Next(t *testing.T) {
	t.Parallel()
	b := Backoff{InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	var cur time.Duration
	for i, w := range want {
		cur = b.next(cur)
		if cur != w {
			t.Errorf("step %d: delay = %v, want %v", i, cur, w)
		}
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Backoff{PollInterval: 5 * time.Second}.withDefaults()
	d := DefaultBackoff()

	if got.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want explicit 5s kept", got.PollInterval)
	}
	if got.InitialDelay != d.InitialDelay || got.MaxDelay != d.MaxDelay {
		t.Errorf("delays = %v/%v, want defaults", got.InitialDelay, got.MaxDelay)
	}
	if got.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", got.Multiplier)
	}
	if got.ProbeTimeout != 30*time.Second {
		t.Errorf("ProbeTimeout = %v, want 30s", got.ProbeTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "immediate",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	if st := w.Status(); st.LastError != "" || st.Failures != 0 {
		t.Errorf("status = %+v, want clean", st)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("broker down")
	var attempts atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	var readyCalled, downCalled atomic.Int32
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "backoff",
		Probe:   probe,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	if n := attempts.Load(); n != 4 {
		t.Errorf("probe attempts = %d, want 4", n)
	}
	// Never ready before, so no down transition.
	if downCalled.Load() != 0 {
		t.Errorf("OnDown called %d times, want 0", downCalled.Load())
	}
}

func TestWatcher_KeepsRetryingWhileDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "down",
		Probe: func(context.Context) error {
			attempts.Add(1)
			return errors.New("refused")
		},
		Backoff: testBackoff(),
	})

	waitFor(t, "20 attempts", func() bool { return attempts.Load() >= 20 })

	st := w.Status()
	if st.Ready {
		t.Error("expected not ready")
	}
	if st.Failures < 20 {
		t.Errorf("Failures = %d, want >= 20", st.Failures)
	}
	if st.LastError != "refused" {
		t.Errorf("LastError = %q, want refused", st.LastError)
	}
}

// dropper hands out a fresh drop channel per connection, like a
// WebSocket client's Lost().
type dropper struct {
	mu sync.Mutex
	ch chan struct{}
}

func (d *dropper) current() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		d.ch = make(chan struct{})
	}
	return d.ch
}

func (d *dropper) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		close(d.ch)
		d.ch = nil
	}
}

func TestWatcher_DropTriggersReprobe(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		attempts atomic.Int32
		failNext atomic.Bool
		d        dropper
	)
	probe := func(context.Context) error {
		attempts.Add(1)
		if failNext.Swap(false) {
			return errors.New("reconnect failed")
		}
		return nil
	}

	var readyCalled, downCalled atomic.Int32
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "websocket",
		Probe:   probe,
		Dropped: d.current,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "first ready", func() bool { return readyCalled.Load() == 1 })
	waitFor(t, "drop channel handed out", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.ch != nil
	})

	// The poll interval is an hour, so only the drop can cause these
	// probes.
	failNext.Store(true)
	d.drop()

	waitFor(t, "down transition", func() bool { return downCalled.Load() == 1 })
	waitFor(t, "recovered", func() bool { return readyCalled.Load() == 2 })

	if n := attempts.Load(); n != 3 {
		t.Errorf("probe attempts = %d, want 3", n)
	}
	if !w.IsReady() {
		t.Error("expected ready after recovery")
	}
}

func TestWatcher_PollDetectsOutage(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)

	b := testBackoff()
	b.PollInterval = 2 * time.Millisecond

	var downCalled atomic.Int32
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "poll",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("gone")
		},
		Backoff: b,
		OnDown:  func(error) { downCalled.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	waitFor(t, "OnDown", func() bool { return downCalled.Load() == 1 })
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	waitFor(t, "timeout recorded", func() bool { return w.Status().Failures > 0 })
	if w.IsReady() {
		t.Error("expected not ready after probe timeout")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()

	m := NewManager(quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "stop",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger())
	defer m.Stop()

	mq := m.Watch(ctx, WatcherConfig{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(ctx, WatcherConfig{
		Name:    "homeassistant",
		Probe:   func(context.Context) error { return errors.New("unauthorized") },
		Backoff: testBackoff(),
	})

	waitFor(t, "mqtt ready", mq.IsReady)

	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("got %d statuses, want 2", len(st))
	}
	if st[0].Name != "homeassistant" || st[1].Name != "mqtt" {
		t.Errorf("order = %s, %s; want sorted by name", st[0].Name, st[1].Name)
	}
	if !st[1].Ready {
		t.Error("mqtt should be ready")
	}
	if m.Ready() {
		t.Error("Ready() = true with homeassistant down")
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			m.Watch(context.Background(), tt.cfg)
		})
	}
}
