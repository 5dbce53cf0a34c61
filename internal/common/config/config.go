// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Sprites     SpritesConfig     `mapstructure:"sprites"`
	Copilot     CopilotConfig     `mapstructure:"copilot"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	WarmPool    WarmPoolConfig    `mapstructure:"warmPool"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	PromptQueue PromptQueueConfig `mapstructure:"promptQueue"`
	GitSync     GitSyncConfig     `mapstructure:"gitSync"`
	Multiplayer MultiplayerConfig `mapstructure:"multiplayer"`
	SnapshotLifecycle SnapshotLifecycleConfig `mapstructure:"snapshotLifecycle"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
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

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the Docker sandbox provider.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	ImageTag       string `mapstructure:"imageTag"`
}

// SpritesConfig holds configuration for the Sprites.dev remote sandbox provider.
type SpritesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	Region  string `mapstructure:"region"`
}

// CopilotConfig holds configuration for the Copilot SDK-backed sample
// background-agent task in agentscheduler/profiles.
type CopilotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	CLIUrl  string `mapstructure:"cliUrl"`
	Model   string `mapstructure:"model"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WarmPoolConfig holds warm pool sizing and replenishment configuration.
type WarmPoolConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MinPerKey         int  `mapstructure:"minPerKey"`
	MaxPerKey         int  `mapstructure:"maxPerKey"`
	MaxTotal          int  `mapstructure:"maxTotal"`
	ReplenishInterval int  `mapstructure:"replenishIntervalSeconds"`
	ClaimTimeout      int  `mapstructure:"claimTimeoutSeconds"`
}

// SnapshotConfig holds snapshot lifecycle configuration.
type SnapshotConfig struct {
	DefaultTTL    int `mapstructure:"defaultTTLSeconds"`
	SweepInterval int `mapstructure:"sweepIntervalSeconds"`
	MaxPerSession int `mapstructure:"maxPerSession"`
}

// SchedulerConfig holds agent scheduler admission and retry configuration.
type SchedulerConfig struct {
	MaxConcurrent    int `mapstructure:"maxConcurrent"`
	MaxQueued        int `mapstructure:"maxQueued"`
	MaxPerSession    int `mapstructure:"maxPerSession"`
	InitTimeout      int `mapstructure:"initTimeoutSeconds"`
	RunTimeout       int `mapstructure:"runTimeoutSeconds"`
	RetryLimit       int `mapstructure:"retryLimit"`
	RetryDelay       int `mapstructure:"retryDelaySeconds"`
	ProcessInterval  int `mapstructure:"processIntervalMillis"`
}

// PromptQueueConfig holds per-session prompt queue configuration.
type PromptQueueConfig struct {
	MaxQueuedPerSession int  `mapstructure:"maxQueuedPerSession"`
	AllowReorder        bool `mapstructure:"allowReorder"`
}

// GitSyncConfig holds git-sync gate configuration.
type GitSyncConfig struct {
	// PendingWriteTimeout is loaded from config but not read by the
	// git-sync gate: a parked write waits until the session's
	// gitSyncStatus resolves or the caller's context ends.
	PendingWriteTimeout int `mapstructure:"pendingWriteTimeoutSeconds"`
}

// MultiplayerConfig holds multiplayer session manager configuration.
type MultiplayerConfig struct {
	// EditLockTimeout bounds how long a client may hold the edit lock
	// without activity before it is released automatically.
	EditLockTimeout   int `mapstructure:"editLockTimeoutSeconds"`
	MaxUsersPerSession int `mapstructure:"maxUsersPerSession"`
	MaxClientsPerUser  int `mapstructure:"maxClientsPerUser"`
}

// SnapshotLifecycleConfig holds the idle/busy bridge's policy knobs.
type SnapshotLifecycleConfig struct {
	AutoTerminate   bool `mapstructure:"autoTerminate"`
	MinWorkDuration int  `mapstructure:"minWorkDurationSeconds"`
	SyncOnRestore   bool `mapstructure:"syncOnRestore"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// ReplenishIntervalDuration returns the warm pool replenish interval as a time.Duration.
func (w *WarmPoolConfig) ReplenishIntervalDuration() time.Duration {
	return time.Duration(w.ReplenishInterval) * time.Second
}

// ClaimTimeoutDuration returns the warm pool claim timeout as a time.Duration.
func (w *WarmPoolConfig) ClaimTimeoutDuration() time.Duration {
	return time.Duration(w.ClaimTimeout) * time.Second
}

// DefaultTTLDuration returns the default snapshot TTL as a time.Duration.
func (s *SnapshotConfig) DefaultTTLDuration() time.Duration {
	return time.Duration(s.DefaultTTL) * time.Second
}

// SweepIntervalDuration returns the snapshot sweep interval as a time.Duration.
func (s *SnapshotConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// InitTimeoutDuration returns the agent init timeout as a time.Duration.
func (s *SchedulerConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(s.InitTimeout) * time.Second
}

// RunTimeoutDuration returns the agent run timeout as a time.Duration.
func (s *SchedulerConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(s.RunTimeout) * time.Second
}

// RetryDelayDuration returns the retry delay as a time.Duration.
func (s *SchedulerConfig) RetryDelayDuration() time.Duration {
	return time.Duration(s.RetryDelay) * time.Second
}

// ProcessIntervalDuration returns the dispatcher poll interval as a time.Duration.
func (s *SchedulerConfig) ProcessIntervalDuration() time.Duration {
	return time.Duration(s.ProcessInterval) * time.Millisecond
}

// PendingWriteTimeoutDuration returns the git-sync pending write timeout as a time.Duration.
func (g *GitSyncConfig) PendingWriteTimeoutDuration() time.Duration {
	return time.Duration(g.PendingWriteTimeout) * time.Second
}

// EditLockTimeoutDuration returns the multiplayer edit lock timeout as a time.Duration.
func (m *MultiplayerConfig) EditLockTimeoutDuration() time.Duration {
	return time.Duration(m.EditLockTimeout) * time.Second
}

// MinWorkDurationDuration returns the snapshot lifecycle's minimum
// tracked-work duration as a time.Duration.
func (s *SnapshotLifecycleConfig) MinWorkDurationDuration() time.Duration {
	return time.Duration(s.MinWorkDuration) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
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

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestrator-cluster")
	v.SetDefault("nats.clientId", "orchestrator-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "orchestrator-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())
	v.SetDefault("docker.imageTag", "orchestrator-sandbox:latest")

	v.SetDefault("sprites.enabled", false)
	v.SetDefault("sprites.token", "")
	v.SetDefault("sprites.region", "")

	v.SetDefault("copilot.enabled", false)
	v.SetDefault("copilot.cliUrl", "")
	v.SetDefault("copilot.model", "gpt-4.1")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("warmPool.enabled", true)
	v.SetDefault("warmPool.minPerKey", 1)
	v.SetDefault("warmPool.maxPerKey", 5)
	v.SetDefault("warmPool.maxTotal", 50)
	v.SetDefault("warmPool.replenishIntervalSeconds", 15)
	v.SetDefault("warmPool.claimTimeoutSeconds", 30)

	v.SetDefault("snapshot.defaultTTLSeconds", 86400)
	v.SetDefault("snapshot.sweepIntervalSeconds", 60)
	v.SetDefault("snapshot.maxPerSession", 10)

	v.SetDefault("scheduler.maxConcurrent", 20)
	v.SetDefault("scheduler.maxQueued", 200)
	v.SetDefault("scheduler.maxPerSession", 1)
	v.SetDefault("scheduler.initTimeoutSeconds", 60)
	v.SetDefault("scheduler.runTimeoutSeconds", 1800)
	v.SetDefault("scheduler.retryLimit", 2)
	v.SetDefault("scheduler.retryDelaySeconds", 5)
	v.SetDefault("scheduler.processIntervalMillis", 200)

	v.SetDefault("promptQueue.maxQueuedPerSession", 100)
	v.SetDefault("promptQueue.allowReorder", true)

	v.SetDefault("gitSync.pendingWriteTimeoutSeconds", 120)

	v.SetDefault("multiplayer.editLockTimeoutSeconds", 300)
	v.SetDefault("multiplayer.maxUsersPerSession", 16)
	v.SetDefault("multiplayer.maxClientsPerUser", 4)

	v.SetDefault("snapshotLifecycle.autoTerminate", true)
	v.SetDefault("snapshotLifecycle.minWorkDurationSeconds", 5)
	v.SetDefault("snapshotLifecycle.syncOnRestore", true)
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "orchestrator", "volumes")
	}
	return "/var/lib/orchestrator/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KANDEV_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "KANDEV_EVENTS_NAMESPACE")
	_ = v.BindEnv("sprites.token", "KANDEV_SPRITES_TOKEN")

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

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.WarmPool.MaxPerKey < cfg.WarmPool.MinPerKey {
		errs = append(errs, "warmPool.maxPerKey must be >= warmPool.minPerKey")
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, "scheduler.maxConcurrent must be positive")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
