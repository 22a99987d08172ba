package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/actions"
	"github.com/nugget/signinbridge/internal/buildinfo"
	"github.com/nugget/signinbridge/internal/config"
	"github.com/nugget/signinbridge/internal/presence"
)

// errNotConnected is returned by publishes made before Start connects.
var errNotConnected = errors.New("mqtt publisher not connected")

// Inbound command budget. Button presses are rare; anything faster is
// a loop or a misconfigured automation.
const (
	commandLimit    = 30
	commandInterval = time.Minute
)

// AccountSource lists the accounts to announce. *account.Registry
// satisfies it.
type AccountSource interface {
	IDs() []string
	Get(id string) (account.Entry, bool)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, pushes account status updates and routes
// inbound commands to a handler.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	accounts   AccountSource
	handler    CommandHandler
	limiter    *messageRateLimiter
	logger     *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	titles map[string]string // account id → device name last announced
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, accounts AccountSource, handler CommandHandler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeDevice(instanceID),
		accounts:   accounts,
		handler:    handler,
		limiter:    newMessageRateLimiter(commandLimit, commandInterval, logger),
		logger:     logger,
		titles:     make(map[string]string),
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs, a birth
// message and the command subscriptions.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					go p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.limiter.start(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx is
// done. It is the MQTT link's health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// PublishStatus publishes an account's state and attributes. When the
// account's display name changed, its discovery configs are refreshed
// first so the HA device follows the visitor name.
func (p *Publisher) PublishStatus(ctx context.Context, st presence.Status) error {
	cm := p.conn()
	if cm == nil {
		return errNotConnected
	}

	p.mu.Lock()
	announced, seen := p.titles[st.AccountID]
	p.mu.Unlock()
	if !seen || announced != st.Title {
		p.announceAccount(ctx, cm, st.AccountID, st.Title)
	}

	attrs, err := json.Marshal(st.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", st.AccountID, err)
	}

	if err := p.publish(ctx, cm, p.accountTopic(st.AccountID, "attributes"), attrs, true); err != nil {
		return err
	}
	return p.publish(ctx, cm, p.accountTopic(st.AccountID, "state"), []byte(st.State), true)
}

var _ presence.Sink = (*Publisher)(nil)

// RemoveAccount clears the retained discovery configs and state of an
// account so HA deletes its entities.
func (p *Publisher) RemoveAccount(ctx context.Context, accountID string) error {
	cm := p.conn()
	if cm == nil {
		return errNotConnected
	}

	sensor, buttons := p.accountDefinitions(accountID, "")
	topics := []string{
		sensor.topic,
		p.accountTopic(accountID, "state"),
		p.accountTopic(accountID, "attributes"),
	}
	for _, b := range buttons {
		topics = append(topics, b.topic)
	}

	var errs []error
	for _, t := range topics {
		if err := p.publish(ctx, cm, t, nil, true); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	delete(p.titles, accountID)
	p.mu.Unlock()

	p.logger.Info("mqtt account entities removed", "account", accountID)
	return errors.Join(errs...)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID != "" {
		suffix := p.instanceID
		if len(suffix) > 8 {
			suffix = suffix[len(suffix)-8:]
		}
		id += "-" + suffix
	}
	return id
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/availability"
}

func (p *Publisher) accountTopic(accountID, leaf string) string {
	return p.cfg.BaseTopic + "/" + topicSegment(accountID) + "/" + leaf
}

func (p *Publisher) globalCommandTopic() string {
	return p.cfg.BaseTopic + "/command"
}

func (p *Publisher) commandFilter() string {
	return p.cfg.BaseTopic + "/+/command"
}

func (p *Publisher) bridgeTopic(leaf string) string {
	return p.cfg.BaseTopic + "/bridge/" + leaf
}

func (p *Publisher) discoveryTopic(component, nodeID, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + nodeID + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	topic  string
	config SensorConfig
}

type buttonDef struct {
	topic  string
	config ButtonConfig
}

// buttonLabels gives each command its entity name and icon.
var buttonLabels = map[string][2]string{
	"sign_in_office":  {"Sign in (office)", "mdi:office-building-marker"},
	"sign_in_remote":  {"Sign in (remote)", "mdi:home-account"},
	"sign_out_office": {"Sign out (office)", "mdi:office-building-remove"},
	"sign_out_remote": {"Sign out (remote)", "mdi:home-export-outline"},
	"sign_out":        {"Sign out", "mdi:logout"},
}

func (p *Publisher) accountDefinitions(accountID, title string) (sensorDef, []buttonDef) {
	device := NewAccountDevice(accountID, title, p.instanceID)
	node := topicSegment(account.DeviceIdentifier(accountID))
	avail := p.availabilityTopic()

	sensor := sensorDef{
		topic: p.discoveryTopic("sensor", node, "status"),
		config: SensorConfig{
			Name:                "Status",
			HasEntityName:       true,
			UniqueID:            account.DeviceIdentifier(accountID) + "_status",
			StateTopic:          p.accountTopic(accountID, "state"),
			AvailabilityTopic:   avail,
			JsonAttributesTopic: p.accountTopic(accountID, "attributes"),
			Device:              device,
			Icon:                "mdi:badge-account",
		},
	}

	buttons := make([]buttonDef, 0, len(actions.CommandNames))
	for _, cmd := range actions.CommandNames {
		label := buttonLabels[cmd]
		buttons = append(buttons, buttonDef{
			topic: p.discoveryTopic("button", node, cmd),
			config: ButtonConfig{
				Name:              label[0],
				HasEntityName:     true,
				UniqueID:          account.DeviceIdentifier(accountID) + "_" + cmd,
				CommandTopic:      p.accountTopic(accountID, "command"),
				PayloadPress:      cmd,
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              label[1],
			},
		})
	}
	return sensor, buttons
}

func (p *Publisher) bridgeDefinitions() []sensorDef {
	return []sensorDef{
		{
			topic: p.discoveryTopic("sensor", p.instanceID, "version"),
			config: SensorConfig{
				Name:              "Version",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_version",
				StateTopic:        p.bridgeTopic("version"),
				AvailabilityTopic: p.availabilityTopic(),
				Device:            p.bridge,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.bridgeDefinitions() {
		p.publishConfig(ctx, cm, s.topic, s.config)
	}
	if err := p.publish(ctx, cm, p.bridgeTopic("version"), []byte(buildinfo.Version), true); err != nil {
		p.logger.Debug("mqtt bridge version publish failed", "error", err)
	}

	for _, id := range p.accounts.IDs() {
		entry, ok := p.accounts.Get(id)
		if !ok {
			continue
		}
		p.mu.Lock()
		title, seen := p.titles[id]
		p.mu.Unlock()
		if !seen {
			title = entry.Account.Title
		}
		p.announceAccount(ctx, cm, id, title)
	}
}

func (p *Publisher) announceAccount(ctx context.Context, cm *autopaho.ConnectionManager, accountID, title string) {
	sensor, buttons := p.accountDefinitions(accountID, title)
	p.publishConfig(ctx, cm, sensor.topic, sensor.config)
	for _, b := range buttons {
		p.publishConfig(ctx, cm, b.topic, b.config)
	}

	p.mu.Lock()
	p.titles[accountID] = title
	p.mu.Unlock()
}

func (p *Publisher) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, topic string, cfg any) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "topic", topic, "error", err)
		return
	}
	if err := p.publish(ctx, cm, topic, payload, true); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt discovery published", "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := p.publish(ctx, cm, p.availabilityTopic(), []byte(status), true); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := []string{p.commandFilter(), p.globalCommandTopic()}
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "error", err)
		return
	}
	p.logger.Info("mqtt subscribed to command topics", "filters", filters)
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) error {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
