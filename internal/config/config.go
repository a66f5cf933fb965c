// Package config handles Tally configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tally/config.yaml, /etc/tally/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tally", "config.yaml"))
	}

	paths = append(paths, "/etc/tally/config.yaml")
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

// Config holds all Tally configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	Research   ResearchConfig   `yaml:"research"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ReasoningConfig selects and tunes the reasoning backend.
type ReasoningConfig struct {
	// Provider is one of "openai", "anthropic", or "ollama". The
	// openai provider speaks to any OpenAI-compatible endpoint.
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_sec"`

	// StripParams lists top-level request fields removed before the
	// request leaves the process. Only honoured by the openai provider.
	StripParams []string `yaml:"strip_params"`
}

// ResearchConfig configures the market research backend used by the
// market_research tool.
type ResearchConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Configured reports whether a research API key is present.
func (c ResearchConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig tunes the control loop.
type AgentConfig struct {
	// MaxIterations is the ceiling on reasoning calls per user turn.
	MaxIterations int `yaml:"max_iterations"`
	// ParallelTools dispatches a batch of tool requests concurrently.
	// Results are always recorded in request order.
	ParallelTools bool `yaml:"parallel_tools"`
}

// CheckpointConfig defines process-local session snapshots.
type CheckpointConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path of the SQLite file. Relative paths resolve against data_dir.
	Path string `yaml:"path"`
	// IntervalTurns takes a snapshot every N appended turns (0 = never).
	IntervalTurns int `yaml:"interval_turns"`
	// RestoreOnStart loads the newest snapshot when the server starts.
	RestoreOnStart bool `yaml:"restore_on_start"`
}

// MQTTConfig defines the optional loop-event publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// PublishIntervalSec is how often retained state topics are refreshed.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "openai"
	}
	if c.Reasoning.Model == "" {
		c.Reasoning.Model = "gpt-4o"
	}
	if c.Reasoning.MaxTokens == 0 {
		c.Reasoning.MaxTokens = 4096
	}
	if c.Reasoning.TimeoutSec == 0 {
		c.Reasoning.TimeoutSec = 120
	}
	if c.Reasoning.StripParams == nil && c.Reasoning.Provider == "openai" {
		c.Reasoning.StripParams = []string{"parallel_tool_calls", "stream_options"}
	}
	if c.Research.BaseURL == "" {
		c.Research.BaseURL = "https://api.perplexity.ai"
	}
	if c.Research.Model == "" {
		c.Research.Model = "sonar-pro"
	}
	if c.Research.TimeoutSec == 0 {
		c.Research.TimeoutSec = 60
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 6
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "checkpoints.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "tally"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "tally"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate reports configuration errors that would otherwise surface
// only at request time.
func (c *Config) Validate() error {
	var errs []error

	switch c.Reasoning.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("reasoning.provider %q (valid: openai, anthropic, ollama)", c.Reasoning.Provider))
	}
	if c.Reasoning.Provider == "anthropic" && c.Reasoning.APIKey == "" {
		errs = append(errs, errors.New("reasoning.api_key is required for the anthropic provider"))
	}
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reasoning.temperature %.2f out of range [0, 2]", c.Reasoning.Temperature))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations))
	}
	if c.Checkpoint.IntervalTurns < 0 {
		errs = append(errs, fmt.Errorf("checkpoint.interval_turns must be >= 0, got %d", c.Checkpoint.IntervalTurns))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// CheckpointPath resolves the checkpoint database path against DataDir.
func (c *Config) CheckpointPath() string {
	if filepath.IsAbs(c.Checkpoint.Path) {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.DataDir, c.Checkpoint.Path)
}
