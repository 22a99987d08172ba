package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by requests made before Connect.
var ErrNotConnected = errors.New("websocket not connected")

// WSClient manages a WebSocket connection to Home Assistant.
type WSClient struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	connMu  sync.Mutex
	msgID   atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	// Event channel for subscribed events
	events chan Event

	// Closed by readLoop when the current connection is lost.
	lost chan struct{}

	// Subscriptions to restore on reconnect
	subscriptions   []string
	subscriptionsMu sync.Mutex

	requestTimeout time.Duration
	logger         *slog.Logger
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// DeviceEntry is one device from the HA device registry. Identifiers
// are (domain, id) pairs.
type DeviceEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameByUser   string  `json:"name_by_user"`
	Manufacturer string  `json:"manufacturer"`
	Identifiers  [][]any `json:"identifiers"`
}

// IdentifierValues returns the id half of every identifier pair.
func (d DeviceEntry) IdentifierValues() []string {
	out := make([]string, 0, len(d.Identifiers))
	for _, pair := range d.Identifiers {
		if len(pair) < 2 {
			continue
		}
		out = append(out, fmt.Sprint(pair[1]))
	}
	return out
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsResponse wraps the result with success/error info for the response channel.
type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL:        baseURL,
		token:          token,
		pending:        make(map[int64]chan wsResponse),
		events:         make(chan Event, 100),
		lost:           make(chan struct{}),
		subscriptions:  make([]string, 0),
		requestTimeout: 30 * time.Second,
		logger:         logger,
	}
}

// Connect establishes the WebSocket connection, authenticates and
// restores any earlier subscriptions.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.restoreSubscriptions(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	c.logger.Info("connecting to Home Assistant WebSocket", "url", u.String())

	// The device registry can be large.
	dialer := websocket.Dialer{
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 30 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	authMsg := map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}

	if authResp.Type == "auth_invalid" {
		conn.Close()
		return fmt.Errorf("authentication failed")
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	c.logger.Info("WebSocket authenticated")

	c.conn = conn
	lost := make(chan struct{})
	c.lost = lost
	go c.readLoop(conn, lost)

	return nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Reconnect closes the existing connection (if any) and re-establishes
// the WebSocket, authenticating and restoring all prior subscriptions.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting WebSocket")

	// The old connection may already be dead.
	c.Close()

	return c.Connect(ctx)
}

// Events returns the channel for receiving subscribed events.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Lost returns a channel that is closed when the current connection
// drops. Call it again after Reconnect.
func (c *WSClient) Lost() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.lost
}

// Connected reports whether a connection is up and its read loop is
// still running.
func (c *WSClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || c.lost == nil {
		return false
	}
	select {
	case <-c.lost:
		return false
	default:
		return true
	}
}

// Subscribe subscribes to a Home Assistant event type.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	id := c.msgID.Add(1)

	msg := map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": eventType,
	}

	if _, err := c.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}

	// Track subscription for reconnect
	c.subscriptionsMu.Lock()
	c.subscriptions = append(c.subscriptions, eventType)
	c.subscriptionsMu.Unlock()

	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *WSClient) GetDeviceRegistry(ctx context.Context) ([]DeviceEntry, error) {
	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":   id,
		"type": "config/device_registry/list",
	}

	resp, err := c.sendAndWait(ctx, id, msg)
	if err != nil {
		return nil, fmt.Errorf("get device registry: %w", err)
	}

	var devices []DeviceEntry
	if err := json.Unmarshal(resp, &devices); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}

	return devices, nil
}

// DeviceIdentifiers returns the identifier values recorded for a
// device id. An unknown device yields an empty result.
func (c *WSClient) DeviceIdentifiers(ctx context.Context, deviceID string) ([]string, error) {
	devices, err := c.GetDeviceRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return d.IdentifierValues(), nil
		}
	}
	return nil, nil
}

// sendAndWait sends a message and waits for the response.
func (c *WSClient) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, ErrNotConnected
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.requestTimeout):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop reads messages from conn until it fails, then closes lost.
func (c *WSClient) readLoop(conn *websocket.Conn, lost chan struct{}) {
	defer close(lost)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
				return
			}
			c.logger.Error("WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{
					Success: msg.Success,
					Result:  msg.Result,
					Error:   msg.Error,
				}
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event != nil {
				select {
				case c.events <- *msg.Event:
				default:
					c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
				}
			}

		case "pong":

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}

// restoreSubscriptions re-subscribes to all tracked event types. The
// list is cleared first because Subscribe appends to it.
func (c *WSClient) restoreSubscriptions(ctx context.Context) {
	c.subscriptionsMu.Lock()
	subs := make([]string, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.subscriptions = c.subscriptions[:0]
	c.subscriptionsMu.Unlock()

	for _, eventType := range subs {
		if err := c.Subscribe(ctx, eventType); err != nil {
			c.logger.Error("failed to restore subscription", "event_type", eventType, "error", err)
		}
	}
}
