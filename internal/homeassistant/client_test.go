package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "ha-token", nil)
}

func TestGetState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ha-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/states/person.ada" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"entity_id":"person.ada","state":"home","attributes":{"latitude":51.5,"longitude":-0.1,"gps_accuracy":12}}`))
	})

	st, err := c.GetState(context.Background(), "person.ada")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if st.State != "home" || st.Attributes["latitude"] != 51.5 || st.Attributes["longitude"] != -0.1 {
		t.Errorf("GetState() = %+v", st)
	}
}

func TestGetState_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Entity not found."}`))
	})

	_, err := c.GetState(context.Background(), "person.nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetState() error = %v, want ErrNotFound", err)
	}
}

func TestGetState_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("kaboom"))
	})

	_, err := c.GetState(context.Background(), "person.ada")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("GetState() error = %v, want API error", err)
	}
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"running", `{"message":"API running."}`, false},
		{"unexpected", `{"message":"starting"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			if err := c.Ping(context.Background()); (err != nil) != tt.wantErr {
				t.Errorf("Ping() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"location_name":"Home","time_zone":"Europe/London","version":"2026.10.1"}`))
	})

	cfg, err := c.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() error: %v", err)
	}
	if cfg.TimeZone != "Europe/London" {
		t.Errorf("TimeZone = %q", cfg.TimeZone)
	}
}
