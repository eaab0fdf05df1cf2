// Package config provides configuration management for the agentflow control
// plane. It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Driver is "sqlite" or
// "postgres"; Path applies to sqlite, the host fields to postgres.
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
}

// RedisConfig holds the state-store connection and TTL configuration.
type RedisConfig struct {
	Addr                string `mapstructure:"addr"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	HistoryTTL          int    `mapstructure:"historyTtl"`        // seconds
	HistoryMaxMessages  int    `mapstructure:"historyMaxMessages"`
	StreamingTTL        int    `mapstructure:"streamingTtl"`      // seconds
	CancelTTL           int    `mapstructure:"cancelTtl"`         // seconds
	TaskStreamingTTL    int    `mapstructure:"taskStreamingTtl"`  // seconds
	HeartbeatTTL        int    `mapstructure:"heartbeatTtl"`      // seconds
	RunningMetaTTL      int    `mapstructure:"runningMetaTtl"`    // seconds
	StartupLockTTL      int    `mapstructure:"startupLockTtl"`    // seconds
}

// NATSConfig holds event bus configuration. Empty URL means in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ExecutorConfig holds the addresses of the execution services.
type ExecutorConfig struct {
	// Mode selects the callback transport: "manager" hands requests to the
	// external executor manager, "container" runs them in locally managed
	// Docker workers.
	Mode            string `mapstructure:"mode"`
	ChatShellURL    string `mapstructure:"chatShellUrl"`
	ManagerURL      string `mapstructure:"managerUrl"`
	CallbackURL     string `mapstructure:"callbackUrl"`
	TaskAPIDomain   string `mapstructure:"taskApiDomain"`
	DispatchTimeout int    `mapstructure:"dispatchTimeout"` // seconds
	CallbackTimeout int    `mapstructure:"callbackTimeout"` // seconds
	HealthTimeout   int    `mapstructure:"healthTimeout"`   // seconds
}

// QueueConfig holds push-mode queue and consumer configuration.
type QueueConfig struct {
	Mode               string `mapstructure:"mode"` // push or pull
	Pool               string `mapstructure:"pool"`
	MaxConcurrentTasks int    `mapstructure:"maxConcurrentTasks"`
	MaxRetries         int    `mapstructure:"maxRetries"`
	BlockSeconds       int    `mapstructure:"blockSeconds"`
	BackoffSeconds     int    `mapstructure:"backoffSeconds"`
	OfflineEvening     string `mapstructure:"offlineEvening"` // "HH:MM-HH:MM"
	OfflineMorning     string `mapstructure:"offlineMorning"` // "HH:MM-HH:MM"
}

// HeartbeatConfig governs dead-worker detection.
type HeartbeatConfig struct {
	CheckInterval   int  `mapstructure:"checkInterval"`   // seconds
	Timeout         int  `mapstructure:"timeout"`         // seconds
	GracePeriod     int  `mapstructure:"gracePeriod"`     // seconds
	RemoveContainer bool `mapstructure:"removeContainer"` // debugging convenience when false
}

// DockerConfig holds container executor configuration.
type DockerConfig struct {
	Host            string `mapstructure:"host"`
	APIVersion      string `mapstructure:"apiVersion"`
	Image           string `mapstructure:"image"`
	NetworkMode     string `mapstructure:"networkMode"` // bridge or host
	PortRangeMin    int    `mapstructure:"portRangeMin"`
	PortRangeMax    int    `mapstructure:"portRangeMax"`
	WorkspacePath   string `mapstructure:"workspacePath"`
	ExecutorVolume  string `mapstructure:"executorVolume"`
	MountDockerSock bool   `mapstructure:"mountDockerSock"`
}

// AuthConfig holds JWT configuration.
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwtSecret"`
	UserTokenDuration int    `mapstructure:"userTokenDuration"` // seconds
	TaskTokenDuration int    `mapstructure:"taskTokenDuration"` // seconds
}

// SessionConfig holds chat session behavior knobs.
type SessionConfig struct {
	HistoryLimit int `mapstructure:"historyLimit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BootstrapConfig points at the YAML resource seed applied at startup.
type BootstrapConfig struct {
	SeedPath string `mapstructure:"seedPath"`
}

// TracingConfig holds OTLP exporter configuration. Empty endpoint disables
// the exporter.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults: local sqlite for single-node deployments
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.agentflow/agentflow.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.historyTtl", 86400)
	v.SetDefault("redis.historyMaxMessages", 50)
	v.SetDefault("redis.streamingTtl", 600)
	v.SetDefault("redis.cancelTtl", 300)
	v.SetDefault("redis.taskStreamingTtl", 3600)
	v.SetDefault("redis.heartbeatTtl", 20)
	v.SetDefault("redis.runningMetaTtl", 86400)
	v.SetDefault("redis.startupLockTtl", 300)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Executor service defaults
	v.SetDefault("executor.mode", "manager")
	v.SetDefault("executor.chatShellUrl", "http://localhost:8100")
	v.SetDefault("executor.managerUrl", "http://localhost:8200")
	v.SetDefault("executor.callbackUrl", "http://localhost:8080/internal/callback")
	v.SetDefault("executor.taskApiDomain", "http://localhost:8080")
	v.SetDefault("executor.dispatchTimeout", 300)
	v.SetDefault("executor.callbackTimeout", 30)
	v.SetDefault("executor.healthTimeout", 10)

	// Queue defaults
	v.SetDefault("queue.mode", "push")
	v.SetDefault("queue.pool", "default")
	v.SetDefault("queue.maxConcurrentTasks", 10)
	v.SetDefault("queue.maxRetries", 2)
	v.SetDefault("queue.blockSeconds", 5)
	v.SetDefault("queue.backoffSeconds", 3)
	v.SetDefault("queue.offlineEvening", "22:00-23:59")
	v.SetDefault("queue.offlineMorning", "00:00-06:00")

	// Heartbeat defaults
	v.SetDefault("heartbeat.checkInterval", 30)
	v.SetDefault("heartbeat.timeout", 30)
	v.SetDefault("heartbeat.gracePeriod", 60)
	v.SetDefault("heartbeat.removeContainer", false)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "agentflow/executor:latest")
	v.SetDefault("docker.networkMode", "bridge")
	v.SetDefault("docker.portRangeMin", 20000)
	v.SetDefault("docker.portRangeMax", 21000)
	v.SetDefault("docker.executorVolume", "agentflow-executor-bin")
	v.SetDefault("docker.mountDockerSock", true)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.userTokenDuration", 86400) // 24h for skill downloads
	v.SetDefault("auth.taskTokenDuration", 86400)

	// Session defaults
	v.SetDefault("session.historyLimit", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentflow")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTFLOW_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the env var naming differs from the config key.
	_ = v.BindEnv("executor.chatShellUrl", "CHAT_SHELL_URL", "AGENTFLOW_EXECUTOR_CHAT_SHELL_URL")
	_ = v.BindEnv("executor.managerUrl", "EXECUTOR_MANAGER_URL", "AGENTFLOW_EXECUTOR_MANAGER_URL")
	_ = v.BindEnv("queue.maxConcurrentTasks", "MAX_CONCURRENT_TASKS", "AGENTFLOW_QUEUE_MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("heartbeat.timeout", "HEARTBEAT_TIMEOUT", "AGENTFLOW_HEARTBEAT_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentflow/")

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
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.User == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host, database.user and database.dbName are required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if cfg.Queue.Mode != "push" && cfg.Queue.Mode != "pull" {
		errs = append(errs, "queue.mode must be push or pull")
	}
	if cfg.Queue.MaxConcurrentTasks <= 0 {
		errs = append(errs, "queue.maxConcurrentTasks must be positive")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set AGENTFLOW_AUTH_JWTSECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
