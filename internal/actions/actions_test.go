package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/presence"
)

type call struct {
	action    string
	accountID string
	site      presence.SiteType
}

type mockPresence struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (m *mockPresence) record(action, id string, site presence.SiteType) (presence.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{action, id, site})
	if m.err != nil {
		return presence.Outcome{}, m.err
	}
	return presence.Outcome{AccountID: id, SiteType: site}, nil
}

func (m *mockPresence) SignIn(_ context.Context, id string, site presence.SiteType) (presence.Outcome, error) {
	return m.record(ActionSignIn, id, site)
}

func (m *mockPresence) SignOut(_ context.Context, id string, site presence.SiteType) (presence.Outcome, error) {
	return m.record(ActionSignOut, id, site)
}

func (m *mockPresence) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]call, len(m.calls))
	copy(cp, m.calls)
	return cp
}

func newTestDispatcher(ids ...string) (*Dispatcher, *mockPresence) {
	reg := account.NewRegistry()
	for _, id := range ids {
		reg.Register(account.Account{ID: id}, nil)
	}
	p := &mockPresence{}
	d := NewDispatcher(DispatcherConfig{Registry: reg, Presence: p})
	return d, p
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		req  Request
		want call
	}{
		{
			name: "single account sign in",
			ids:  []string{"a"},
			req:  Request{Action: ActionSignIn, SiteType: "office"},
			want: call{ActionSignIn, "a", presence.SiteOffice},
		},
		{
			name: "auto-detect sign out",
			ids:  []string{"a"},
			req:  Request{Action: ActionSignOut},
			want: call{ActionSignOut, "a", presence.SiteUnknown},
		},
		{
			name: "device selects account",
			ids:  []string{"a", "b"},
			req:  Request{Action: ActionSignOut, SiteType: "Remote", Device: "signinapp_b"},
			want: call{ActionSignOut, "b", presence.SiteRemote},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, p := newTestDispatcher(tt.ids...)
			out, err := d.Dispatch(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Dispatch() error: %v", err)
			}
			if out.AccountID != tt.want.accountID {
				t.Errorf("outcome account = %q, want %q", out.AccountID, tt.want.accountID)
			}
			if calls := p.getCalls(); len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("calls = %+v, want [%+v]", calls, tt.want)
			}
		})
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name       string
		ids        []string
		req        Request
		wantErr    error
		wantReason string
	}{
		{"unknown action", []string{"a"}, Request{Action: "teleport"}, ErrInvalidRequest, ""},
		{"sign in without site", []string{"a"}, Request{Action: ActionSignIn}, ErrInvalidRequest, ""},
		{"bad site type", []string{"a"}, Request{Action: ActionSignOut, SiteType: "beach"}, ErrInvalidRequest, ""},
		{"no accounts", nil, Request{Action: ActionSignOut}, nil, account.ReasonNoAccounts},
		{"ambiguous", []string{"a", "b"}, Request{Action: ActionSignOut}, nil, account.ReasonAmbiguous},
		{"unknown device", []string{"a", "b"}, Request{Action: ActionSignOut, Device: "c"}, nil, account.ReasonNoAccountForRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, p := newTestDispatcher(tt.ids...)
			_, err := d.Dispatch(context.Background(), tt.req)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantReason != "" && !account.IsResolution(err, tt.wantReason) {
				t.Errorf("error = %v, want reason %q", err, tt.wantReason)
			}
			if len(p.getCalls()) != 0 {
				t.Error("presence called for a rejected request")
			}
		})
	}
}

func TestDispatch_PropagatesPresenceError(t *testing.T) {
	d, p := newTestDispatcher("a")
	p.err = errors.New("remote failure")

	_, err := d.Dispatch(context.Background(), Request{Action: ActionSignIn, SiteType: "remote"})
	if !errors.Is(err, p.err) {
		t.Errorf("error = %v, want %v", err, p.err)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	reg := account.NewRegistry()
	reg.Register(account.Account{ID: "a"}, nil)
	reg.Register(account.Account{ID: "b"}, nil)
	p := &mockPresence{}
	d := NewDispatcher(DispatcherConfig{Registry: reg, Presence: p, RatePerMinute: 1, Burst: 2})

	req := Request{Action: ActionSignOut, SiteType: "office", Device: "a"}
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("Dispatch #%d error: %v", i+1, err)
		}
	}
	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Errorf("third Dispatch error = %v, want ErrRateLimited", err)
	}

	// Limits are per account.
	req.Device = "b"
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Errorf("Dispatch for another account error: %v", err)
	}

	d.Forget("a")
	req.Device = "a"
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Errorf("Dispatch after Forget error: %v", err)
	}
}

func TestDecodeEventData(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      map[string]any
		want      Request
		wantErr   bool
	}{
		{
			name:      "sign in with device",
			eventType: "signinapp_sign_in",
			data:      map[string]any{"site_type": "office", "device_id": "abc123"},
			want:      Request{Action: ActionSignIn, SiteType: "office", Device: "abc123"},
		},
		{
			name:      "sign out without data",
			eventType: "signinapp_sign_out",
			data:      nil,
			want:      Request{Action: ActionSignOut},
		},
		{
			name:      "device alias and numeric id",
			eventType: "signinapp_sign_out",
			data:      map[string]any{"device": 98765, "site_type": "remote"},
			want:      Request{Action: ActionSignOut, SiteType: "remote", Device: "98765"},
		},
		{
			name:      "extra keys ignored",
			eventType: "signinapp_sign_out",
			data:      map[string]any{"context": "automation.leave_work"},
			want:      Request{Action: ActionSignOut},
		},
		{
			name:      "unrelated event",
			eventType: "state_changed",
			wantErr:   true,
		},
		{
			name:      "malformed site type",
			eventType: "signinapp_sign_in",
			data:      map[string]any{"site_type": []string{"office"}},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEventData(tt.eventType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEventData() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DecodeEventData() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	for _, name := range CommandNames {
		req, err := ParseCommand("a", name)
		if err != nil {
			t.Errorf("ParseCommand(%q) error: %v", name, err)
			continue
		}
		if req.Device != "a" {
			t.Errorf("ParseCommand(%q).Device = %q", name, req.Device)
		}
		if _, err := req.Validate(); err != nil {
			t.Errorf("ParseCommand(%q) produced invalid request: %v", name, err)
		}
	}

	req, _ := ParseCommand("a", " SIGN_OUT ")
	if req.Action != ActionSignOut || req.SiteType != "" {
		t.Errorf("ParseCommand(sign_out) = %+v", req)
	}

	if _, err := ParseCommand("a", "dance"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ParseCommand(dance) error = %v, want ErrInvalidRequest", err)
	}
}
