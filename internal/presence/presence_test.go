package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/homeassistant"
	"github.com/nugget/signinbridge/internal/signinapp"
)

type submission struct {
	dir      signinapp.Direction
	siteID   int
	lat, lng float64
	accuracy float64
}

type mockRemote struct {
	mu        sync.Mutex
	config    *signinapp.ConfigResponse
	fetchErr  error
	submitErr error
	submits   []submission
	fetches   int
}

func (m *mockRemote) SubmitPresence(_ context.Context, dir signinapp.Direction, siteID int, lat, lng, accuracy float64) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submits = append(m.submits, submission{dir, siteID, lat, lng, accuracy})
	return json.RawMessage(`{"ok":true}`), nil
}

func (m *mockRemote) FetchStatus(_ context.Context) (*signinapp.ConfigResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.config, nil
}

func (m *mockRemote) getSubmits() []submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]submission, len(m.submits))
	copy(cp, m.submits)
	return cp
}

func (m *mockRemote) setConfig(cfg *signinapp.ConfigResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	m.fetchErr = err
}

type mockStates struct {
	states map[string]*homeassistant.State
	err    error
}

func (m *mockStates) GetState(_ context.Context, entityID string) (*homeassistant.State, error) {
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.states[entityID]
	if !ok {
		return nil, errors.New("API error 404: entity not found")
	}
	return s, nil
}

func trackerAt(lat, lng any) *mockStates {
	return &mockStates{states: map[string]*homeassistant.State{
		"person.ada": {
			EntityID:   "person.ada",
			State:      "home",
			Attributes: map[string]any{"latitude": lat, "longitude": lng},
		},
	}}
}

func testAccount() account.Account {
	return account.Account{
		ID:             "98765",
		Title:          "Ada Lovelace",
		Token:          "tok",
		OfficeSiteID:   12,
		RemoteSiteID:   34,
		LocationSource: "person.ada",
		OfficeAccuracy: 50,
	}
}

func visitorAt(status, siteID string) *signinapp.ConfigResponse {
	v := &signinapp.ReturningVisitor{
		ID:     "98765",
		Status: status,
		Name:   "Ada Lovelace",
	}
	if siteID != "" {
		v.SiteID = json.RawMessage(siteID)
	}
	return &signinapp.ConfigResponse{ReturningVisitor: v}
}

func intPtr(n int) *int { return &n }
