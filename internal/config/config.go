// Package config loads and validates the edge control plane's configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every subsystem's settings into a single document.
type Config struct {
	Version     int               `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Devices     DevicesConfig     `yaml:"devices"`
	Commands    CommandsConfig    `yaml:"commands"`
	Automation  AutomationConfig `yaml:"automation"`
	Agent       AgentConfig       `yaml:"agent"`
	Memory      MemoryConfig      `yaml:"memory"`
	Extensions  ExtensionsConfig  `yaml:"extensions"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the control plane's network listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StorageConfig configures the embedded persistence layer.
type StorageConfig struct {
	Path          string `yaml:"path"`
	CacheCapacity int    `yaml:"cache_capacity"`
}

// EventBusConfig configures the priority event bus.
type EventBusConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainBatch    int           `yaml:"drain_batch"`
}

// DevicesConfig configures the device adapter plane.
type DevicesConfig struct {
	MQTT       MQTTAdapterConfig    `yaml:"mqtt"`
	Modbus     ModbusAdapterConfig  `yaml:"modbus"`
	HASS       HASSAdapterConfig    `yaml:"home_assistant"`
	Webhook    WebhookAdapterConfig `yaml:"webhook"`
	ConfigFile string               `yaml:"config_file"`
}

type MQTTAdapterConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BrokerURL  string        `yaml:"broker_url"`
	ClientID   string        `yaml:"client_id"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	KeepAlive  time.Duration `yaml:"keep_alive"`
	ConnectTry int           `yaml:"connect_retry_attempts"`
}

type ModbusAdapterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

type HASSAdapterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebhookAdapterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CommandsConfig configures the command manager.
type CommandsConfig struct {
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     BackoffConfig `yaml:"retry_backoff"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type BackoffConfig struct {
	InitialMs float64 `yaml:"initial_ms"`
	MaxMs     float64 `yaml:"max_ms"`
	Factor    float64 `yaml:"factor"`
	Jitter    float64 `yaml:"jitter"`
}

// AutomationConfig configures the rule/workflow/transform engine.
type AutomationConfig struct {
	RuleValueTTL     time.Duration  `yaml:"rule_value_ttl"`
	FailureStrategy  string         `yaml:"default_failure_strategy"`
	WorkflowStepTime time.Duration  `yaml:"default_step_timeout"`
	Debounce         time.Duration  `yaml:"default_debounce"`
}

// AgentConfig configures the LLM tool-calling runtime.
type AgentConfig struct {
	DefaultProvider  string                       `yaml:"default_provider"`
	Providers        map[string]LLMProviderConfig `yaml:"providers"`
	ContextWindow    int                          `yaml:"context_window"`
	CompactThreshold int                          `yaml:"compact_threshold_percent"`
	Concurrency      ConcurrencyConfig            `yaml:"concurrency"`
}

type LLMProviderConfig struct {
	Driver  string `yaml:"driver"` // "ollama" | "openai-compat" | "mock"
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ConcurrencyConfig configures the session concurrency limiter.
type ConcurrencyConfig struct {
	GlobalPermits int `yaml:"global_permits"`
	PerSession    int `yaml:"per_session_permits"`
}

// MemoryConfig configures the tiered memory subsystem.
type MemoryConfig struct {
	ShortTerm ShortTermConfig `yaml:"short_term"`
	MidTerm   MidTermConfig   `yaml:"mid_term"`
	LongTerm  LongTermConfig  `yaml:"long_term"`
}

type ShortTermConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxTokens   int `yaml:"max_tokens"`
}

type MidTermConfig struct {
	MaxEntriesPerSession int `yaml:"max_entries_per_session"`
}

type LongTermConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// ExtensionsConfig configures the extension loader.
type ExtensionsConfig struct {
	Paths     []string `yaml:"paths"`
	AutoStart []string `yaml:"auto_start"`
	WASM      WASMExtensionConfig `yaml:"wasm"`
	RPC       RPCExtensionConfig  `yaml:"rpc"`
}

type WASMExtensionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FuelLimit     uint64        `yaml:"fuel_limit"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
}

type RPCExtensionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HandshakeTTL time.Duration `yaml:"handshake_ttl"`
}

// MaintenanceConfig configures retention sweeps.
type MaintenanceConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Schedule               string        `yaml:"schedule"`
	TimeseriesRetention    time.Duration `yaml:"timeseries_retention"`
	MemoryRetention        time.Duration `yaml:"memory_retention"`
	MaxHistoryEntries      int           `yaml:"max_history_entries"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		cfg.Agent.DefaultProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MODEL")); v != "" {
		if cfg.Agent.Providers == nil {
			cfg.Agent.Providers = map[string]LLMProviderConfig{}
		}
		entry := cfg.Agent.Providers[cfg.Agent.DefaultProvider]
		entry.Model = v
		cfg.Agent.Providers[cfg.Agent.DefaultProvider] = entry
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_ENDPOINT")); v != "" {
		entry := cfg.Agent.Providers["ollama"]
		entry.Driver = "ollama"
		entry.BaseURL = v
		if cfg.Agent.Providers == nil {
			cfg.Agent.Providers = map[string]LLMProviderConfig{}
		}
		cfg.Agent.Providers["ollama"] = entry
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		entry := cfg.Agent.Providers["openai"]
		entry.Driver = "openai-compat"
		entry.APIKey = v
		if cfg.Agent.Providers == nil {
			cfg.Agent.Providers = map[string]LLMProviderConfig{}
		}
		cfg.Agent.Providers["openai"] = entry
	}
	if v := strings.TrimSpace(os.Getenv("EDGECORE_HTTP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "edgecore.db"
	}
	if cfg.Storage.CacheCapacity == 0 {
		cfg.Storage.CacheCapacity = 1024
	}

	if cfg.EventBus.QueueCapacity == 0 {
		cfg.EventBus.QueueCapacity = 10000
	}
	if cfg.EventBus.DrainInterval == 0 {
		cfg.EventBus.DrainInterval = 50 * time.Millisecond
	}
	if cfg.EventBus.DrainBatch == 0 {
		cfg.EventBus.DrainBatch = 64
	}

	if cfg.Commands.DispatchTimeout == 0 {
		cfg.Commands.DispatchTimeout = 10 * time.Second
	}
	if cfg.Commands.AckTimeout == 0 {
		cfg.Commands.AckTimeout = 30 * time.Second
	}
	if cfg.Commands.MaxRetries == 0 {
		cfg.Commands.MaxRetries = 3
	}
	if cfg.Commands.RetryBackoff.InitialMs == 0 {
		cfg.Commands.RetryBackoff = BackoffConfig{InitialMs: 200, MaxMs: 10000, Factor: 2, Jitter: 0.1}
	}
	if cfg.Commands.HistoryRetention == 0 {
		cfg.Commands.HistoryRetention = 7 * 24 * time.Hour
	}

	if cfg.Automation.RuleValueTTL == 0 {
		cfg.Automation.RuleValueTTL = 5 * time.Second
	}
	if cfg.Automation.FailureStrategy == "" {
		cfg.Automation.FailureStrategy = "compensate_all"
	}
	if cfg.Automation.WorkflowStepTime == 0 {
		cfg.Automation.WorkflowStepTime = 30 * time.Second
	}
	if cfg.Automation.Debounce == 0 {
		cfg.Automation.Debounce = 0
	}

	if cfg.Agent.DefaultProvider == "" {
		cfg.Agent.DefaultProvider = "mock"
	}
	if cfg.Agent.ContextWindow == 0 {
		cfg.Agent.ContextWindow = 128000
	}
	if cfg.Agent.CompactThreshold == 0 {
		cfg.Agent.CompactThreshold = 80
	}
	if cfg.Agent.Concurrency.GlobalPermits == 0 {
		cfg.Agent.Concurrency.GlobalPermits = 16
	}
	if cfg.Agent.Concurrency.PerSession == 0 {
		cfg.Agent.Concurrency.PerSession = 2
	}

	if cfg.Memory.ShortTerm.MaxMessages == 0 {
		cfg.Memory.ShortTerm.MaxMessages = 50
	}
	if cfg.Memory.ShortTerm.MaxTokens == 0 {
		cfg.Memory.ShortTerm.MaxTokens = 8000
	}
	if cfg.Memory.MidTerm.MaxEntriesPerSession == 0 {
		cfg.Memory.MidTerm.MaxEntriesPerSession = 500
	}
	if cfg.Memory.LongTerm.MaxEntries == 0 {
		cfg.Memory.LongTerm.MaxEntries = 5000
	}

	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@hourly"
	}
	if cfg.Maintenance.TimeseriesRetention == 0 {
		cfg.Maintenance.TimeseriesRetention = 7 * 24 * time.Hour
	}
	if cfg.Maintenance.MemoryRetention == 0 {
		cfg.Maintenance.MemoryRetention = 30 * 24 * time.Hour
	}
	if cfg.Maintenance.MaxHistoryEntries == 0 {
		cfg.Maintenance.MaxHistoryEntries = 1000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ValidationError reports one or more configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Storage.CacheCapacity < 0 {
		issues = append(issues, "storage.cache_capacity must be >= 0")
	}
	if cfg.EventBus.QueueCapacity <= 0 {
		issues = append(issues, "event_bus.queue_capacity must be > 0")
	}
	if cfg.Commands.MaxRetries < 0 {
		issues = append(issues, "commands.max_retries must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Automation.FailureStrategy)) {
	case "compensate_all", "retry_then_compensate", "skip_and_continue", "manual_intervention":
	default:
		issues = append(issues, "automation.default_failure_strategy must be one of compensate_all, retry_then_compensate, skip_and_continue, manual_intervention")
	}
	if cfg.Agent.CompactThreshold < 0 || cfg.Agent.CompactThreshold > 100 {
		issues = append(issues, "agent.compact_threshold_percent must be between 0 and 100")
	}
	if cfg.Agent.Concurrency.GlobalPermits < cfg.Agent.Concurrency.PerSession {
		issues = append(issues, "agent.concurrency.global_permits must be >= per_session_permits")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
