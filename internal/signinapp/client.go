// Package signinapp is a client for the Sign In App mobile companion
// API. It covers the three calls the bridge needs: exchanging a
// companion code for a bearer token, submitting sign-in and sign-out
// events, and fetching the visitor's current status. Nothing is
// retried; callers decide what a failure means.
package signinapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/signinbridge/internal/httpkit"
)

// DefaultBaseURL is the production companion API root.
const DefaultBaseURL = "https://backend.signinapp.com/api/mobile"

// DefaultTimezone is sent as x-timezone when the caller supplies none.
const DefaultTimezone = "Europe/London"

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Headers the web companion app sends. The service keys client
// behavior off user-agent and x-app-version, so these are reproduced
// exactly.
var companionHeaders = map[string]string{
	"accept":          "application/json",
	"accept-language": "en-GB-oxendict,en;q=0.9",
	"content-type":    "application/json",
	"origin":          "https://companion.signin.app",
	"referer":         "https://companion.signin.app/",
	"user-agent":      "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Mobile Safari/537.36",
	"x-app-version":   "Web companion app/3.18.2+302148",
}

// Client talks to the companion API on behalf of one account.
type Client struct {
	baseURL    string
	token      string
	timezone   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimezone sets the IANA zone sent as x-timezone.
func WithTimezone(tz string) Option {
	return func(c *Client) {
		if tz != "" {
			c.timezone = tz
		}
	}
}

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client. token may be empty for a client that
// will only call Connect.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		timezone: DefaultTimezone,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(httpkit.WithLogger(c.logger))
	}
	return c
}

// SetToken replaces the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// Connect exchanges a companion code for a bearer token. The request
// never carries an authorization header, even when the client already
// holds a token.
func (c *Client) Connect(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(connectRequest{Code: code})
	if err != nil {
		return "", &AuthError{Reason: "encode request", Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/connect", body, false)
	if err != nil {
		return "", &AuthError{Reason: "build request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Reason: "request", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthError{Reason: "read response", Err: err}
	}
	c.logger.Log(ctx, levelTrace, "sign in app connect response",
		"status", resp.StatusCode, "body", string(raw))

	var out connectResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("status %d with undecodable body", resp.StatusCode), Err: err}
	}
	if !out.Success || out.Token == "" {
		c.logger.Error("sign in app connect rejected", "status", resp.StatusCode, "success", out.Success)
		return "", &AuthError{Reason: "service did not return a token"}
	}

	return out.Token, nil
}

// SubmitPresence posts a sign-in or sign-out event and returns the raw
// JSON response.
func (c *Client) SubmitPresence(ctx context.Context, dir Direction, siteID int, lat, lng, accuracy float64) (json.RawMessage, error) {
	path, err := dir.path()
	if err != nil {
		return nil, &RemoteError{Op: string(dir), Err: err}
	}

	payload := NewPresenceRequest(dir, siteID, lat, lng, accuracy)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RemoteError{Op: string(dir), Err: fmt.Errorf("encode request: %w", err)}
	}

	raw, err := c.do(ctx, string(dir), http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, &RemoteError{Op: string(dir), Err: fmt.Errorf("response is not JSON")}
	}
	return json.RawMessage(raw), nil
}

// SignIn is SubmitPresence with the sign-in direction.
func (c *Client) SignIn(ctx context.Context, siteID int, lat, lng, accuracy float64) (json.RawMessage, error) {
	return c.SubmitPresence(ctx, SignIn, siteID, lat, lng, accuracy)
}

// SignOut is SubmitPresence with the sign-out direction.
func (c *Client) SignOut(ctx context.Context, siteID int, lat, lng, accuracy float64) (json.RawMessage, error) {
	return c.SubmitPresence(ctx, SignOut, siteID, lat, lng, accuracy)
}

// FetchStatus retrieves the site list and the visitor's presence record.
func (c *Client) FetchStatus(ctx context.Context) (*ConfigResponse, error) {
	const op = "config"

	raw, err := c.do(ctx, op, http.MethodGet, "/config-v2", nil)
	if err != nil {
		return nil, err
	}

	var out ConfigResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Error("sign in app config response undecodable", "error", err)
		return nil, &RemoteError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// do sends an authenticated request and returns the body of a 2xx
// response. Every failure is a *RemoteError.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, true)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}

	c.logger.Log(ctx, levelTrace, "sign in app request",
		"method", method, "path", path, "body", string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	c.logger.Debug("sign in app response", "op", op, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Log(ctx, levelTrace, "sign in app response body", "op", op, "body", string(raw))
	return raw, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, auth bool) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	for k, v := range companionHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("x-timezone", c.timezone)
	if auth && c.token != "" {
		req.Header.Set("authorization", "Bearer "+c.token)
	}
	return req, nil
}
