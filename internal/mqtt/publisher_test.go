package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/actions"
	"github.com/nugget/signinbridge/internal/config"
	"github.com/nugget/signinbridge/internal/presence"
)

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		ClientID:        "signinbridge",
		DiscoveryPrefix: "homeassistant",
		BaseTopic:       "signinapp",
	}
}

func newTestRegistry(ids ...string) *account.Registry {
	reg := account.NewRegistry()
	for _, id := range ids {
		reg.Register(account.Account{ID: id, Title: "Visitor " + id, Token: "tok"}, nil)
	}
	return reg
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
}

func TestNewAccountDevice(t *testing.T) {
	info := NewAccountDevice("v-42", "Ada Lovelace", "bridge-1")
	if info.Name != "Ada Lovelace" {
		t.Errorf("Name = %q, want %q", info.Name, "Ada Lovelace")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "signinapp_v-42" {
		t.Errorf("Identifiers = %v, want [signinapp_v-42]", info.Identifiers)
	}
	if info.Manufacturer != "Sign In App" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
	if info.ViaDevice != "bridge-1" {
		t.Errorf("ViaDevice = %q, want bridge-1", info.ViaDevice)
	}

	if got := NewAccountDevice("v-42", "", "").Name; got != account.DefaultTitle {
		t.Errorf("empty name = %q, want %q", got, account.DefaultTitle)
	}
}

func TestNewBridgeDevice(t *testing.T) {
	info := NewBridgeDevice("instance-123")
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-123" {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
	if info.SWVersion == "" {
		t.Error("SWVersion should be set")
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "via_device") {
		t.Errorf("bridge device should omit via_device: %s", data)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testMQTTConfig(), "test-id", newTestRegistry(), nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "signinapp/availability"},
		{"state", p.accountTopic("v-42", "state"), "signinapp/v-42/state"},
		{"attributes", p.accountTopic("v-42", "attributes"), "signinapp/v-42/attributes"},
		{"unsafe id", p.accountTopic("a/b+c", "command"), "signinapp/a_b_c/command"},
		{"global command", p.globalCommandTopic(), "signinapp/command"},
		{"command filter", p.commandFilter(), "signinapp/+/command"},
		{"bridge version", p.bridgeTopic("version"), "signinapp/bridge/version"},
		{"discovery", p.discoveryTopic("sensor", "signinapp_v-42", "status"), "homeassistant/sensor/signinapp_v-42/status/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	p := New(testMQTTConfig(), "test-id", newTestRegistry("a"), nil, nil)
	ctx := context.Background()

	if err := p.PublishStatus(ctx, presence.Status{AccountID: "a", State: "unknown"}); !errors.Is(err, errNotConnected) {
		t.Errorf("PublishStatus() error = %v, want errNotConnected", err)
	}
	if err := p.RemoveAccount(ctx, "a"); !errors.Is(err, errNotConnected) {
		t.Errorf("RemoveAccount() error = %v, want errNotConnected", err)
	}
	if err := p.AwaitConnection(ctx); !errors.Is(err, errNotConnected) {
		t.Errorf("AwaitConnection() error = %v, want errNotConnected", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
}

func TestPublisher_ClientID(t *testing.T) {
	tests := []struct {
		instance string
		want     string
	}{
		{"", "signinbridge"},
		{"abc", "signinbridge-abc"},
		{"0190a1b2-c3d4-7e5f-8a9b-0123456789ab", "signinbridge-456789ab"},
	}
	for _, tt := range tests {
		p := New(testMQTTConfig(), tt.instance, newTestRegistry(), nil, nil)
		if got := p.clientID(); got != tt.want {
			t.Errorf("clientID(%q) = %q, want %q", tt.instance, got, tt.want)
		}
	}
}

func TestPublisher_AccountDefinitions(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", newTestRegistry("v-42"), nil, nil)

	sensor, buttons := p.accountDefinitions("v-42", "Ada")

	if sensor.topic != "homeassistant/sensor/signinapp_v-42/status/config" {
		t.Errorf("sensor topic = %q", sensor.topic)
	}
	if sensor.config.StateTopic != "signinapp/v-42/state" {
		t.Errorf("StateTopic = %q", sensor.config.StateTopic)
	}
	if sensor.config.JsonAttributesTopic != "signinapp/v-42/attributes" {
		t.Errorf("JsonAttributesTopic = %q", sensor.config.JsonAttributesTopic)
	}
	if sensor.config.UniqueID != "signinapp_v-42_status" {
		t.Errorf("UniqueID = %q", sensor.config.UniqueID)
	}
	if sensor.config.Device.Name != "Ada" {
		t.Errorf("Device.Name = %q, want Ada", sensor.config.Device.Name)
	}

	if len(buttons) != len(actions.CommandNames) {
		t.Fatalf("got %d buttons, want %d", len(buttons), len(actions.CommandNames))
	}

	seen := make(map[string]bool)
	for i, b := range buttons {
		cmd := actions.CommandNames[i]
		if b.config.PayloadPress != cmd {
			t.Errorf("button %d: PayloadPress = %q, want %q", i, b.config.PayloadPress, cmd)
		}
		if b.config.CommandTopic != "signinapp/v-42/command" {
			t.Errorf("button %s: CommandTopic = %q", cmd, b.config.CommandTopic)
		}
		if b.config.AvailabilityTopic != "signinapp/availability" {
			t.Errorf("button %s: AvailabilityTopic = %q", cmd, b.config.AvailabilityTopic)
		}
		if !b.config.HasEntityName {
			t.Errorf("button %s: HasEntityName = false", cmd)
		}
		if b.config.Name == "" {
			t.Errorf("button %s: empty Name", cmd)
		}
		if seen[b.config.UniqueID] {
			t.Errorf("duplicate UniqueID %q", b.config.UniqueID)
		}
		seen[b.config.UniqueID] = true

		// Every button payload must parse back to a request.
		if _, err := actions.ParseCommand("v-42", b.config.PayloadPress); err != nil {
			t.Errorf("button %s: ParseCommand error = %v", cmd, err)
		}
	}
}

func TestPublisher_BridgeDefinitions(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", newTestRegistry(), nil, nil)

	defs := p.bridgeDefinitions()
	if len(defs) != 1 {
		t.Fatalf("got %d bridge definitions, want 1", len(defs))
	}
	d := defs[0]
	if d.topic != "homeassistant/sensor/instance-123/version/config" {
		t.Errorf("topic = %q", d.topic)
	}
	if d.config.EntityCategory != "diagnostic" {
		t.Errorf("EntityCategory = %q, want diagnostic", d.config.EntityCategory)
	}
	if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
		t.Errorf("UniqueID = %q", d.config.UniqueID)
	}
}
