// Package config provides configuration management for Trinity.
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

// Config holds all configuration sections for Trinity.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retention RetentionConfig `mapstructure:"retention"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. Driver is "sqlite" (default)
// or "postgres". For sqlite, Path points at the database file; for postgres,
// the connection fields build the DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds container engine configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	BaseImage      string `mapstructure:"baseImage"`
	WorkspaceRoot  string `mapstructure:"workspaceRoot"`
}

// AgentConfig holds per-agent runtime configuration.
type AgentConfig struct {
	// InternalPort is the port the agent-local HTTP server listens on inside
	// the container.
	InternalPort int `mapstructure:"internalPort"`

	// SSHPortBase and HTTPPortBase are the starts of the reserved host port
	// bands for agent SSH and agent HTTP endpoints.
	SSHPortBase  int `mapstructure:"sshPortBase"`
	HTTPPortBase int `mapstructure:"httpPortBase"`

	// HealthTimeout bounds the post-start health polling, in seconds.
	HealthTimeout int `mapstructure:"healthTimeout"`

	// DefaultCPU and DefaultMemoryMB apply when a template declares no
	// resource defaults.
	DefaultCPU      float64 `mapstructure:"defaultCpu"`
	DefaultMemoryMB int64   `mapstructure:"defaultMemoryMb"`

	// TemplateDir is the local template registry root.
	TemplateDir string `mapstructure:"templateDir"`

	// RepoCacheDir caches cloned template repositories.
	RepoCacheDir string `mapstructure:"repoCacheDir"`
}

// QueueConfig holds execution queue configuration.
type QueueConfig struct {
	// DefaultTimeout is the per-request execution budget in seconds.
	DefaultTimeout int `mapstructure:"defaultTimeout"`
	// MaxTimeout caps a caller-supplied timeout, in seconds.
	MaxTimeout int `mapstructure:"maxTimeout"`
	// StartupWait bounds waiting for an agent to reach running when a
	// request opts into startup waiting, in seconds.
	StartupWait int `mapstructure:"startupWait"`
	// MaxDepth bounds the number of queued (not in-flight) items per agent.
	MaxDepth int `mapstructure:"maxDepth"`
}

// RetentionConfig holds the independent retention windows, in hours.
type RetentionConfig struct {
	Activities int `mapstructure:"activities"`
	Executions int `mapstructure:"executions"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// SessionTTL is the lifetime of a login session token in seconds.
	SessionTTL int `mapstructure:"sessionTtl"`

	// BootstrapEmail and BootstrapPassword seed the first admin account when
	// the user table is empty. Both empty skips bootstrapping.
	BootstrapEmail    string `mapstructure:"bootstrapEmail"`
	BootstrapPassword string `mapstructure:"bootstrapPassword"`
}

// NotifyConfig holds notification delivery configuration. An empty webhook
// URL leaves only the log channel available.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhookUrl"`
	// WebhookTimeout bounds one delivery attempt, in seconds.
	WebhookTimeout int `mapstructure:"webhookTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration. An empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTTLDuration returns the session lifetime as a time.Duration.
func (a *AuthConfig) SessionTTLDuration() time.Duration {
	return time.Duration(a.SessionTTL) * time.Second
}

// HealthTimeoutDuration returns the health polling budget as a time.Duration.
func (a *AgentConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(a.HealthTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default execution budget.
func (q *QueueConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(q.DefaultTimeout) * time.Second
}

// MaxTimeoutDuration returns the execution budget ceiling.
func (q *QueueConfig) MaxTimeoutDuration() time.Duration {
	return time.Duration(q.MaxTimeout) * time.Second
}

// StartupWaitDuration returns the startup waiting ceiling.
func (q *QueueConfig) StartupWaitDuration() time.Duration {
	return time.Duration(q.StartupWait) * time.Second
}

// ActivityWindow returns the activity retention window.
func (r *RetentionConfig) ActivityWindow() time.Duration {
	return time.Duration(r.Activities) * time.Hour
}

// ExecutionWindow returns the execution retention window.
func (r *RetentionConfig) ExecutionWindow() time.Duration {
	return time.Duration(r.Executions) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TRINITY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// DataDir is the Trinity state directory: database, master key, workspaces.
func DataDir() string { return defaultDataDir() }

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trinity"
	}
	return filepath.Join(home, ".trinity")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dataDir, "trinity.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trinity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "trinity")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "trinity")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "trinity-network")
	v.SetDefault("docker.baseImage", "trinity-agent-base:latest")
	v.SetDefault("docker.workspaceRoot", filepath.Join(dataDir, "workspaces"))

	// Agent defaults
	v.SetDefault("agent.internalPort", 8400)
	v.SetDefault("agent.sshPortBase", 2222)
	v.SetDefault("agent.httpPortBase", 8000)
	v.SetDefault("agent.healthTimeout", 30)
	v.SetDefault("agent.defaultCpu", 1.0)
	v.SetDefault("agent.defaultMemoryMb", 2048)
	v.SetDefault("agent.templateDir", filepath.Join(dataDir, "templates"))
	v.SetDefault("agent.repoCacheDir", filepath.Join(dataDir, "repo-cache"))

	// Queue defaults
	v.SetDefault("queue.defaultTimeout", 300)
	v.SetDefault("queue.maxTimeout", 1800)
	v.SetDefault("queue.startupWait", 60)
	v.SetDefault("queue.maxDepth", 32)

	// Retention defaults: 7 days of activities, 30 days of executions.
	v.SetDefault("retention.activities", 7*24)
	v.SetDefault("retention.executions", 30*24)

	// Auth defaults
	v.SetDefault("auth.sessionTtl", 86400)
	v.SetDefault("auth.bootstrapEmail", "")
	v.SetDefault("auth.bootstrapPassword", "")

	// Notify defaults - empty webhook URL disables the webhook channel
	v.SetDefault("notify.webhookUrl", "")
	v.SetDefault("notify.webhookTimeout", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - empty endpoint disables tracing
	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRINITY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.trinity/, or /etc/trinity/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config keys are camelCase.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.driver", "TRINITY_DB_DRIVER")
	_ = v.BindEnv("database.path", "TRINITY_DB_PATH")
	_ = v.BindEnv("docker.workspaceRoot", "TRINITY_WORKSPACE_ROOT")
	_ = v.BindEnv("auth.bootstrapEmail", "TRINITY_ADMIN_EMAIL")
	_ = v.BindEnv("auth.bootstrapPassword", "TRINITY_ADMIN_PASSWORD")
	_ = v.BindEnv("agent.templateDir", "TRINITY_TEMPLATE_DIR")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRINITY_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath("/etc/trinity/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database.driver: %s", cfg.Database.Driver))
	}

	if cfg.Agent.SSHPortBase <= 0 || cfg.Agent.SSHPortBase > 65535 {
		errs = append(errs, "agent.sshPortBase must be a valid port")
	}
	if cfg.Agent.HTTPPortBase <= 0 || cfg.Agent.HTTPPortBase > 65535 {
		errs = append(errs, "agent.httpPortBase must be a valid port")
	}
	if cfg.Queue.DefaultTimeout <= 0 {
		errs = append(errs, "queue.defaultTimeout must be positive")
	}
	if cfg.Queue.MaxTimeout < cfg.Queue.DefaultTimeout {
		errs = append(errs, "queue.maxTimeout must be >= queue.defaultTimeout")
	}
	if cfg.Queue.MaxDepth <= 0 {
		errs = append(errs, "queue.maxDepth must be positive")
	}
	if cfg.Retention.Activities <= 0 || cfg.Retention.Executions <= 0 {
		errs = append(errs, "retention windows must be positive")
	}
	if cfg.Auth.SessionTTL <= 0 {
		errs = append(errs, "auth.sessionTtl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
