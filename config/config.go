// Package config provides configuration loading and management for Stageflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Stageflow configuration
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	Bus          BusConfig          `yaml:"bus"`
	Definitions  DefinitionsConfig  `yaml:"definitions"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// BusConfig configures the message bus gateway
type BusConfig struct {
	// MaxDeliver is the number of delivery attempts before dead-lettering
	MaxDeliver int `yaml:"max_deliver"`
	// AckWait is the claim timeout before an unacknowledged message is redelivered
	AckWait time.Duration `yaml:"ack_wait"`
	// PublishRetries is the number of publish attempts per message
	PublishRetries int `yaml:"publish_retries"`
	// PublishBackoff is the initial backoff between publish attempts
	PublishBackoff time.Duration `yaml:"publish_backoff"`
	// FetchTimeout is the max wait per consumer fetch
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefinitionsConfig configures workflow definition loading
type DefinitionsConfig struct {
	// Dir is a directory of YAML definition files (empty = storage and
	// built-in fallbacks only)
	Dir string `yaml:"dir"`
	// Watch enables cache invalidation when definition files change
	Watch bool `yaml:"watch"`
}

// OrchestratorConfig configures the orchestrator service
type OrchestratorConfig struct {
	// AgentTypes lists agent types whose task logs are provisioned at startup
	AgentTypes []string `yaml:"agent_types"`
	// SweepInterval is how often dispatched tasks are checked for timeout
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TransitionRetries bounds the transition compare-and-swap retry cycle
	TransitionRetries int `yaml:"transition_retries"`
	// DedupSize bounds the result deduplication set
	DedupSize int `yaml:"dedup_size"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the metrics listen address (empty = metrics endpoint disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StoreDir: "",
		},
		Bus: BusConfig{
			MaxDeliver:     5,
			AckWait:        30 * time.Second,
			PublishRetries: 3,
			PublishBackoff: 250 * time.Millisecond,
			FetchTimeout:   5 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Dir:   "",
			Watch: false,
		},
		Orchestrator: OrchestratorConfig{
			AgentTypes:        []string{"planner", "codegen", "tester", "reviewer", "deployer"},
			SweepInterval:     30 * time.Second,
			TransitionRetries: 3,
			DedupSize:         4096,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.Bus.MaxDeliver < 1 {
		return fmt.Errorf("bus.max_deliver must be at least 1")
	}
	if c.Bus.AckWait <= 0 {
		return fmt.Errorf("bus.ack_wait must be positive")
	}
	if c.Orchestrator.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive")
	}
	if c.Orchestrator.TransitionRetries < 1 {
		return fmt.Errorf("orchestrator.transition_retries must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Bus
	if other.Bus.MaxDeliver != 0 {
		c.Bus.MaxDeliver = other.Bus.MaxDeliver
	}
	if other.Bus.AckWait != 0 {
		c.Bus.AckWait = other.Bus.AckWait
	}
	if other.Bus.PublishRetries != 0 {
		c.Bus.PublishRetries = other.Bus.PublishRetries
	}
	if other.Bus.PublishBackoff != 0 {
		c.Bus.PublishBackoff = other.Bus.PublishBackoff
	}
	if other.Bus.FetchTimeout != 0 {
		c.Bus.FetchTimeout = other.Bus.FetchTimeout
	}

	// Definitions
	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
	}
	if other.Definitions.Watch {
		c.Definitions.Watch = true
	}

	// Orchestrator
	if len(other.Orchestrator.AgentTypes) > 0 {
		c.Orchestrator.AgentTypes = other.Orchestrator.AgentTypes
	}
	if other.Orchestrator.SweepInterval != 0 {
		c.Orchestrator.SweepInterval = other.Orchestrator.SweepInterval
	}
	if other.Orchestrator.TransitionRetries != 0 {
		c.Orchestrator.TransitionRetries = other.Orchestrator.TransitionRetries
	}
	if other.Orchestrator.DedupSize != 0 {
		c.Orchestrator.DedupSize = other.Orchestrator.DedupSize
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
