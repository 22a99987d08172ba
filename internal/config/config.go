// Package config handles signinbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given: ./config.yaml,
// ~/.config/signinbridge/config.yaml, /etc/signinbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "signinbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/signinbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all signinbridge configuration. Per-account settings
// (token, site ids, location source) are not here; they live in the
// account store under DataDir and are managed with the connect and
// reconfigure commands.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
	Timezone      string              `yaml:"timezone"`   // sent as x-timezone; empty asks HA
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	SignInApp     SignInAppConfig     `yaml:"signinapp"`
	Actions       ActionsConfig       `yaml:"actions"`
}

// ListenConfig defines the local HTTP API.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Events lists HA event types that trigger actions. Defaults to
	// signinapp_sign_in and signinapp_sign_out.
	Events []string `yaml:"events"`
}

// Configured reports whether HA connection details are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// MQTTConfig defines the broker connection and HA discovery topics.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// SignInAppConfig defines how the vendor API is reached and polled.
type SignInAppConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	// DefaultOfficeAccuracy seeds the office accuracy of new accounts,
	// in meters.
	DefaultOfficeAccuracy float64 `yaml:"default_office_accuracy"`
}

// ActionsConfig bounds how often sign-in/out commands may reach the
// vendor API for a single account.
type ActionsConfig struct {
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// Defaults applied by Load and Default.
const (
	DefaultBaseURL         = "https://backend.signinapp.com/api/mobile"
	DefaultTimezone        = "Europe/London"
	DefaultPollInterval    = time.Minute
	DefaultRequestTimeout  = 30 * time.Second
	DefaultOfficeAccuracy  = 50
	DefaultListenPort      = 8099
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "signinapp"
	DefaultDataDir         = "./data"
)

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. It is
// used by CLI commands that can run without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if len(c.HomeAssistant.Events) == 0 {
		c.HomeAssistant.Events = []string{"signinapp_sign_in", "signinapp_sign_out"}
	}
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultBaseTopic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "signinbridge"
	}
	if c.SignInApp.BaseURL == "" {
		c.SignInApp.BaseURL = DefaultBaseURL
	}
	c.SignInApp.BaseURL = strings.TrimRight(c.SignInApp.BaseURL, "/")
	if c.SignInApp.PollInterval == 0 {
		c.SignInApp.PollInterval = DefaultPollInterval
	}
	if c.SignInApp.Timeout == 0 {
		c.SignInApp.Timeout = DefaultRequestTimeout
	}
	if c.SignInApp.DefaultOfficeAccuracy == 0 {
		c.SignInApp.DefaultOfficeAccuracy = DefaultOfficeAccuracy
	}
	if c.Actions.RatePerMinute == 0 {
		c.Actions.RatePerMinute = 6
	}
	if c.Actions.Burst == 0 {
		c.Actions.Burst = 2
	}
}

// Validate checks the configuration for values that would only fail
// later at runtime.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	if c.SignInApp.PollInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("signinapp.poll_interval %s is below the 10s minimum", c.SignInApp.PollInterval))
	}
	if c.SignInApp.DefaultOfficeAccuracy < 0 {
		errs = append(errs, fmt.Errorf("signinapp.default_office_accuracy must not be negative"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Actions.RatePerMinute < 0 || c.Actions.Burst < 0 {
		errs = append(errs, fmt.Errorf("actions rate and burst must not be negative"))
	}
	if (c.HomeAssistant.URL == "") != (c.HomeAssistant.Token == "") {
		errs = append(errs, fmt.Errorf("homeassistant.url and homeassistant.token must be set together"))
	}

	return errors.Join(errs...)
}
