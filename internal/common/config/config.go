// Package config provides configuration management for fingerd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for fingerd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Home      HomeConfig      `mapstructure:"home"`
	Events    EventsConfig    `mapstructure:"events"`
	Hub       HubConfig       `mapstructure:"hub"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	InputLock InputLockConfig `mapstructure:"inputLock"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// Empty URL means the in-memory event bus is used without mirroring.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HomeConfig holds the daemon state root and manifest directories.
type HomeConfig struct {
	// Dir is the state root (default: ~/.finger)
	Dir string `mapstructure:"dir"`

	// AgentConfigDir overrides <dir>/agents (FINGER_AGENT_CONFIG_DIR)
	AgentConfigDir string `mapstructure:"agentConfigDir"`

	// PluginDir overrides <dir>/plugins (FINGER_CLI_PLUGIN_DIR)
	PluginDir string `mapstructure:"pluginDir"`

	// CapabilityDir overrides <dir>/capabilities (FINGER_CLI_CAPABILITY_DIR)
	CapabilityDir string `mapstructure:"capabilityDir"`

	// CapabilityAgentID is the agent identity used by capability invocations
	// (FINGER_CAPABILITY_AGENT_ID)
	CapabilityAgentID string `mapstructure:"capabilityAgentId"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	HistoryLimit int `mapstructure:"historyLimit"` // bounded history size (default: 1000)
}

// HubConfig holds message hub configuration.
type HubConfig struct {
	QueueCapacity int    `mapstructure:"queueCapacity"` // unroutable message queue cap (default: 10000)
	HubURL        string `mapstructure:"hubUrl"`        // advertised HTTP URL (FINGER_HUB_URL)
	WSURL         string `mapstructure:"wsUrl"`         // advertised WebSocket URL (FINGER_WS_URL)
}

// RuntimeConfig holds agent runtime configuration.
type RuntimeConfig struct {
	DefaultQuota    int `mapstructure:"defaultQuota"`    // concurrent dispatches per agent (default: 1)
	ProjectQuota    int `mapstructure:"projectQuota"`    // 0 means unset
	DispatchTimeout int `mapstructure:"dispatchTimeout"` // blocking dispatch wait, in seconds
}

// GatewayConfig holds gateway supervisor configuration.
type GatewayConfig struct {
	Dir              string `mapstructure:"dir"`              // manifest directory, overrides <home>/gateways
	AckTimeoutMs     int    `mapstructure:"ackTimeoutMs"`     // default ack timeout for manifests that omit it
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"` // default result timeout for manifests that omit it
}

// LedgerConfig holds context ledger configuration.
type LedgerConfig struct {
	FocusMaxChars int `mapstructure:"focusMaxChars"` // focus slot cap in characters (default: 20000)
	QueryLimit    int `mapstructure:"queryLimit"`    // default query limit (default: 50)
}

// InputLockConfig holds input lock lease configuration.
type InputLockConfig struct {
	LeaseMs int `mapstructure:"leaseMs"` // lease length after last heartbeat (default: 1000)
}

// RetryConfig holds error handler backoff configuration.
type RetryConfig struct {
	BaseDelayMs int     `mapstructure:"baseDelayMs"` // default: 1000
	Multiplier  float64 `mapstructure:"multiplier"`  // default: 2
	MaxDelayMs  int     `mapstructure:"maxDelayMs"`  // default: 60000
	MaxRetries  int     `mapstructure:"maxRetries"`  // default: 10
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentsDir returns the agent config directory.
func (h *HomeConfig) AgentsDir() string {
	if h.AgentConfigDir != "" {
		return h.AgentConfigDir
	}
	return filepath.Join(h.Dir, "agents")
}

// WorkflowsDir returns the workflow snapshot directory.
func (h *HomeConfig) WorkflowsDir() string {
	return filepath.Join(h.Dir, "workflows")
}

// SessionsDir returns the per-session state directory.
func (h *HomeConfig) SessionsDir() string {
	return filepath.Join(h.Dir, "sessions")
}

// GatewaysDir returns the gateway manifest directory.
func (h *HomeConfig) GatewaysDir() string {
	return filepath.Join(h.Dir, "gateways")
}

// CapabilitiesDir returns the capability manifest directory.
func (h *HomeConfig) CapabilitiesDir() string {
	if h.CapabilityDir != "" {
		return h.CapabilityDir
	}
	return filepath.Join(h.Dir, "capabilities")
}

// PluginsDir returns the plugin manifest directory.
func (h *HomeConfig) PluginsDir() string {
	if h.PluginDir != "" {
		return h.PluginDir
	}
	return filepath.Join(h.Dir, "plugins")
}

// BaseDelay returns the backoff base delay as a time.Duration.
func (r *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff max delay as a time.Duration.
func (r *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// Lease returns the input lock lease as a time.Duration.
func (i *InputLockConfig) Lease() time.Duration {
	return time.Duration(i.LeaseMs) * time.Millisecond
}

// Load reads configuration from defaults, an optional config file, and
// FINGER_-prefixed environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration searching configPath first when non-empty.
func LoadFrom(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FINGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the config layout.
	_ = v.BindEnv("home.dir", "FINGER_HOME")
	_ = v.BindEnv("home.agentConfigDir", "FINGER_AGENT_CONFIG_DIR")
	_ = v.BindEnv("home.pluginDir", "FINGER_CLI_PLUGIN_DIR")
	_ = v.BindEnv("home.capabilityDir", "FINGER_CLI_CAPABILITY_DIR")
	_ = v.BindEnv("home.capabilityAgentId", "FINGER_CAPABILITY_AGENT_ID")
	_ = v.BindEnv("hub.hubUrl", "FINGER_HUB_URL")
	_ = v.BindEnv("hub.wsUrl", "FINGER_WS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())
	v.AddConfigPath("/etc/finger/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7900)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fingerd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("home.dir", defaultHome())

	v.SetDefault("events.historyLimit", 1000)

	v.SetDefault("hub.queueCapacity", 10000)

	v.SetDefault("runtime.defaultQuota", 1)
	v.SetDefault("runtime.projectQuota", 0)
	v.SetDefault("runtime.dispatchTimeout", 300)

	v.SetDefault("gateway.ackTimeoutMs", 5000)
	v.SetDefault("gateway.requestTimeoutMs", 60000)

	v.SetDefault("ledger.focusMaxChars", 20000)
	v.SetDefault("ledger.queryLimit", 50)

	v.SetDefault("inputLock.leaseMs", 1000)

	v.SetDefault("retry.baseDelayMs", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.maxDelayMs", 60000)
	v.SetDefault("retry.maxRetries", 10)
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finger"
	}
	return filepath.Join(home, ".finger")
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Home.Dir == "" {
		errs = append(errs, "home.dir is required")
	}

	if cfg.Events.HistoryLimit <= 0 {
		errs = append(errs, "events.historyLimit must be positive")
	}
	if cfg.Hub.QueueCapacity <= 0 {
		errs = append(errs, "hub.queueCapacity must be positive")
	}
	if cfg.Runtime.DefaultQuota <= 0 {
		errs = append(errs, "runtime.defaultQuota must be positive")
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.maxRetries must be non-negative")
	}
	if cfg.Ledger.FocusMaxChars <= 0 {
		errs = append(errs, "ledger.focusMaxChars must be positive")
	}
	if cfg.InputLock.LeaseMs <= 0 {
		errs = append(errs, "inputLock.leaseMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
