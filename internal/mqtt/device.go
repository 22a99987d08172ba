package mqtt

import (
	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/buildinfo"
)

const (
	manufacturer = "Sign In App"
	accountModel = "Visitor"
	bridgeModel  = "signinbridge"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across the discovery payloads of one device. Every entity of an
// account references the same device block so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// ButtonConfig is the JSON payload for an HA MQTT button discovery
// message. Pressing the button publishes PayloadPress to
// CommandTopic.
type ButtonConfig struct {
	Name              string     `json:"name"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	PayloadPress      string     `json:"payload_press"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
}

// NewAccountDevice returns the device block for an account. The
// identifier is stable across renames; name is the visitor's name.
func NewAccountDevice(accountID, name, bridgeID string) DeviceInfo {
	if name == "" {
		name = account.DefaultTitle
	}
	return DeviceInfo{
		Identifiers:  []string{account.DeviceIdentifier(accountID)},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        accountModel,
		ViaDevice:    bridgeID,
	}
}

// NewBridgeDevice returns the device block for the bridge process
// itself, keyed by its persistent instance id.
func NewBridgeDevice(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "Sign In App Bridge",
		Manufacturer: manufacturer,
		Model:        bridgeModel,
		SWVersion:    buildinfo.Version,
	}
}
