package httpkit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.Timeout)
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	got := get(t, NewClient(), req)
	if !strings.HasPrefix(got, "signinbridge/") {
		t.Errorf("User-Agent = %q, want signinbridge/ prefix", got)
	}
}

func TestNewClient_UserAgentOverride(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req)
	if got != "TestBot/1.0" {
		t.Errorf("User-Agent = %q, want TestBot/1.0", got)
	}
}

func TestNewClient_RequestUserAgentWins(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 companion")

	got := get(t, NewClient(), req)
	if got != "Mozilla/5.0 companion" {
		t.Errorf("User-Agent = %q, want request value", got)
	}
}

func TestNewClient_WithoutUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	got := get(t, NewClient(WithoutUserAgent()), req)
	if strings.HasPrefix(got, "signinbridge/") {
		t.Errorf("User-Agent = %q, want Go default", got)
	}
}

func TestNewTransport_Defaults(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v, want %v", tr.ResponseHeaderTimeout, DefaultResponseHeader)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d, want %d", tr.MaxIdleConnsPerHost, DefaultMaxIdleConnsPerHost)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"connection refused in OpError", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"connection reset", syscall.ECONNRESET, false},
		{"wrapped unreachable", fmt.Errorf("dial: %w", syscall.ENETUNREACH), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type failingTransport struct {
	calls int
	err   error
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, f.err
}

func TestRetryTransport_RetriesDialErrors(t *testing.T) {
	base := &failingTransport{err: syscall.ECONNREFUSED}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3 (original + 2 retries)", base.calls)
	}
}

func TestRetryTransport_SkipsOtherErrors(t *testing.T) {
	base := &failingTransport{err: errors.New("tls: bad certificate")}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(io.NopCloser(strings.NewReader("hello world")), 1024)
	DrainAndClose(nil, 1024)
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("error details here")), 512)
	if got != "error details here" {
		t.Errorf("ReadErrorBody() = %q", got)
	}

	got = ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4)
	if got != "abcd" {
		t.Errorf("ReadErrorBody() truncated = %q, want %q", got, "abcd")
	}

	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
