// Package config handles Switchboard configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/switchboard/config.yaml,
// /etc/switchboard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchboard", "config.yaml"))
	}

	paths = append(paths, "/etc/switchboard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Switchboard configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	Backend   BackendConfig `yaml:"backend"`
	Render    RenderConfig  `yaml:"render"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	AMQP      AMQPConfig    `yaml:"amqp"`
	DataDir   string        `yaml:"data_dir"`
	BrandName string        `yaml:"brand_name"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BackendConfig points at the hosted conversational API that actually
// runs the agents. Switchboard only relays turns to it and formats
// what comes back.
type BackendConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec"` // Default: 60
	// RetryCount is the number of extra attempts made on transient
	// dial failures. Zero disables retries.
	RetryCount int `yaml:"retry_count"`
}

// Configured reports whether a backend URL has been provided.
func (c BackendConfig) Configured() bool {
	return c.BaseURL != ""
}

// RenderConfig controls the optional decorations the message assembler
// adds around agent output.
type RenderConfig struct {
	// ShowHeader prefixes the first fragment of each response with the
	// responding agent's display name.
	ShowHeader bool `yaml:"show_header"`
	// ShowFooter appends the credit count to the last fragment when the
	// backend reports one.
	ShowFooter bool `yaml:"show_footer"`
	// DefaultAgentName is the header used when no agent can be
	// attributed. Default: "Assistant".
	DefaultAgentName string `yaml:"default_agent_name"`
}

// MQTTConfig enables forwarding of fragment events to an MQTT broker.
// Leave Broker empty to disable.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtts://broker.local:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: "switchboard"
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker URL has been provided.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// AMQPConfig enables forwarding of fragment events to a RabbitMQ topic
// exchange. Leave URL empty to disable.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"` // Default: "switchboard.events"
}

// Configured reports whether an AMQP URL has been provided.
func (c AMQPConfig) Configured() bool {
	return c.URL != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, then defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration suitable for local use.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 60
	}
	if c.Render.DefaultAgentName == "" {
		c.Render.DefaultAgentName = "Assistant"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "switchboard"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "switchboard"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "switchboard.events"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.BrandName == "" {
		c.BrandName = "Switchboard"
	}
}

// Validate checks the configuration for values that would only fail
// later at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Backend.Configured() {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_url %q must be an http(s) URL", c.Backend.BaseURL))
		}
	}
	if c.Backend.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout_sec must not be negative"))
	}
	if c.Backend.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("backend.retry_count must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.MQTT.Configured() {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
	}

	return errors.Join(errs...)
}
