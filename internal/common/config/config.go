// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Stores    StoresConfig    `mapstructure:"stores"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Retention RetentionConfig `mapstructure:"retention"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds optional NATS event-bus transport configuration. When URL
// is empty the in-memory bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds lifecycle event-bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// DatabaseConfig holds the optional PostgreSQL connection. When Driver is
// "postgres", startup opens and pings the pool; the Session Registry still
// persists to its atomic JSON file and does not use the pool. When Driver
// is "sqlite" (the default), this section is unused.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// StoresConfig holds the sqlite file paths for the WAL-mode databases.
type StoresConfig struct {
	EventStorePath    string `mapstructure:"eventStorePath"`
	ObservabilityPath string `mapstructure:"observabilityPath"`
	LedgerPath        string `mapstructure:"ledgerPath"`
	QueuePath         string `mapstructure:"queuePath"`
	SchedulerPath     string `mapstructure:"schedulerPath"`
}

// RegistryConfig holds Session Registry persistence configuration.
type RegistryConfig struct {
	// StatePath is the JSON state file, written via temp-file + atomic rename.
	StatePath string `mapstructure:"statePath"`
}

// DeliveryConfig holds Delivery Engine tuning parameters.
type DeliveryConfig struct {
	MaxBatchSize            int `mapstructure:"maxBatchSize"`            // default 10
	SelfNotifySuppressionS  int `mapstructure:"selfNotifySuppressionS"`  // default 30
	SkipFenceWindowS        int `mapstructure:"skipFenceWindowS"`        // default 8
	InputStaleTimeoutS      int `mapstructure:"inputStaleTimeoutS"`      // default 120
	StaleInputPollIntervalS int `mapstructure:"staleInputPollIntervalS"` // default 5
	InterKeyDelayMs         int `mapstructure:"interKeyDelayMs"`         // default 300
	DetachedWorkTimeoutS    int `mapstructure:"detachedWorkTimeoutS"`    // default 120
	MaxConcurrentJobs       int `mapstructure:"maxConcurrentJobs"`       // default 64
}

// SchedulerConfig holds Scheduler tuning parameters.
type SchedulerConfig struct {
	PeriodicRemindTickS     int `mapstructure:"periodicRemindTickS"`     // default 5
	ParentWakeDefaultS      int `mapstructure:"parentWakeDefaultS"`      // default 600
	ParentWakeEscalatedS    int `mapstructure:"parentWakeEscalatedS"`    // default 300
	CompactionPollIntervalS int `mapstructure:"compactionPollIntervalS"` // default 5
	CompactionMaxWaitS      int `mapstructure:"compactionMaxWaitS"`      // default 300
}

// TerminalConfig holds Terminal Adapter tuning parameters.
type TerminalConfig struct {
	SettleDelayMs      int `mapstructure:"settleDelayMs"`    // default 300
	IdlePromptPollMs   int `mapstructure:"idlePromptPollMs"` // default 200
	DefaultCols        int `mapstructure:"defaultCols"`
	DefaultRows        int `mapstructure:"defaultRows"`
	ClearSettleDelayMs int `mapstructure:"clearSettleDelayMs"` // default 300
	ClearIdleTimeoutS  int `mapstructure:"clearIdleTimeoutS"`  // default 5
}

// RPCConfig holds RPC Adapter tuning parameters.
type RPCConfig struct {
	StartupTimeoutS int `mapstructure:"startupTimeoutS"` // default 10
	CallTimeoutS    int `mapstructure:"callTimeoutS"`    // default 30
	CloseTimeoutS   int `mapstructure:"closeTimeoutS"`   // default 5
	// PolicyDefaultsPath is an optional YAML file of server-request method
	// -> fallback decision, consulted by the Request Ledger's timeout path.
	// Empty means every method falls back to a declined/rejected decision.
	PolicyDefaultsPath string `mapstructure:"policyDefaultsPath"`
}

// HooksConfig holds Hook Ingestor tuning parameters.
type HooksConfig struct {
	WorkspaceLockStaleMinutes int    `mapstructure:"workspaceLockStaleMinutes"` // default 30
	WorkspaceLockDir          string `mapstructure:"workspaceLockDir"`          // default ".claude"
}

// MCPConfig holds the MCP server's listen configuration. Port 0 disables it.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// NotifierConfig holds the Notifier / Chat Mirror fan-out configuration.
type NotifierConfig struct {
	ChatBridgeURL  string `mapstructure:"chatBridgeUrl"`
	AppriseCommand string `mapstructure:"appriseCommand"`
	AppriseTargets string `mapstructure:"appriseTargets"`
}

// RetentionConfig bounds how much history the Event Store and Observability
// Logger keep per session before pruning.
type RetentionConfig struct {
	EventsMaxPerSession              int `mapstructure:"eventsMaxPerSession"`
	EventsMaxAgeDays                 int `mapstructure:"eventsMaxAgeDays"`
	ObservabilityMaxAgeDays          int `mapstructure:"observabilityMaxAgeDays"`
	ObservabilityMaxAgeDaysCodexFork int `mapstructure:"observabilityMaxAgeDaysCodexFork"`
	ObservabilityMaxRows             int `mapstructure:"observabilityMaxRows"`
}

// detectDefaultLogFormat returns "json" under Kubernetes or explicit
// production environments, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestrator-cluster")
	v.SetDefault("nats.clientId", "orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("stores.eventStorePath", "./data/events.db")
	v.SetDefault("stores.observabilityPath", "./data/observability.db")
	v.SetDefault("stores.ledgerPath", "./data/ledger.db")
	v.SetDefault("stores.queuePath", "./data/queue.db")
	v.SetDefault("stores.schedulerPath", "./data/scheduler.db")

	v.SetDefault("registry.statePath", "./data/sessions.json")

	v.SetDefault("delivery.maxBatchSize", 10)
	v.SetDefault("delivery.selfNotifySuppressionS", 30)
	v.SetDefault("delivery.skipFenceWindowS", 8)
	v.SetDefault("delivery.inputStaleTimeoutS", 120)
	v.SetDefault("delivery.staleInputPollIntervalS", 5)
	v.SetDefault("delivery.interKeyDelayMs", 300)
	v.SetDefault("delivery.detachedWorkTimeoutS", 120)
	v.SetDefault("delivery.maxConcurrentJobs", 64)

	v.SetDefault("scheduler.periodicRemindTickS", 5)
	v.SetDefault("scheduler.parentWakeDefaultS", 600)
	v.SetDefault("scheduler.parentWakeEscalatedS", 300)
	v.SetDefault("scheduler.compactionPollIntervalS", 5)
	v.SetDefault("scheduler.compactionMaxWaitS", 300)

	v.SetDefault("terminal.settleDelayMs", 300)
	v.SetDefault("terminal.idlePromptPollMs", 200)
	v.SetDefault("terminal.defaultCols", 120)
	v.SetDefault("terminal.defaultRows", 40)
	v.SetDefault("terminal.clearSettleDelayMs", 300)
	v.SetDefault("terminal.clearIdleTimeoutS", 5)

	v.SetDefault("rpc.startupTimeoutS", 10)
	v.SetDefault("rpc.callTimeoutS", 30)
	v.SetDefault("rpc.closeTimeoutS", 5)
	v.SetDefault("rpc.policyDefaultsPath", "")

	v.SetDefault("hooks.workspaceLockStaleMinutes", 30)
	v.SetDefault("hooks.workspaceLockDir", ".claude")

	v.SetDefault("mcp.port", 8090)

	v.SetDefault("notifier.chatBridgeUrl", "")
	v.SetDefault("notifier.appriseCommand", "apprise")
	v.SetDefault("notifier.appriseTargets", "")

	v.SetDefault("retention.eventsMaxPerSession", 500)
	v.SetDefault("retention.eventsMaxAgeDays", 14)
	v.SetDefault("retention.observabilityMaxAgeDays", 30)
	v.SetDefault("retention.observabilityMaxAgeDaysCodexFork", 7)
	v.SetDefault("retention.observabilityMaxRows", 2000)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHESTRATOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/orchestrator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys) -
	// AutomaticEnv does not translate camelCase into SNAKE_CASE.
	_ = v.BindEnv("logging.level", "ORCHESTRATOR_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ORCHESTRATOR_EVENTS_NAMESPACE")
	_ = v.BindEnv("stores.eventStorePath", "ORCHESTRATOR_EVENT_STORE_PATH")
	_ = v.BindEnv("stores.observabilityPath", "ORCHESTRATOR_OBSERVABILITY_PATH")
	_ = v.BindEnv("stores.ledgerPath", "ORCHESTRATOR_LEDGER_PATH")
	_ = v.BindEnv("stores.queuePath", "ORCHESTRATOR_QUEUE_PATH")
	_ = v.BindEnv("stores.schedulerPath", "ORCHESTRATOR_SCHEDULER_PATH")
	_ = v.BindEnv("registry.statePath", "ORCHESTRATOR_REGISTRY_STATE_PATH")
	_ = v.BindEnv("notifier.chatBridgeUrl", "ORCHESTRATOR_CHAT_BRIDGE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Delivery.MaxBatchSize <= 0 {
		errs = append(errs, "delivery.maxBatchSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
