// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the OCR_ prefix (e.g., OCR_DATABASE_HOST
// overrides database.host in the YAML).
//
// Three variables are read without the nested naming scheme because existing
// deployments already set them: OCR_API_KEY (a single shared token), OCR_API_KEYS
// (a JSON object mapping user id to token) and MINERU_VLM_URL (the default
// vision-language-model endpoint handed to the engine).
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Engine backends understood by the MinerU command line and HTTP API.
var ValidEngineBackends = []string{
	"pipeline",
	"hybrid-auto-engine",
	"hybrid-http-client",
	"vlm-auto-engine",
	"vlm-http-client",
}

// ValidLanguages are the OCR language packs accepted for the lang option.
var ValidLanguages = []string{
	"ch", "ch_server", "ch_lite", "en", "korean", "japan", "chinese_cht",
	"ta", "te", "ka", "th", "el", "latin", "arabic", "east_slavic",
	"cyrillic", "devanagari",
}

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	v *viper.Viper
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// DownloadBaseURL overrides BaseURL when building links to converted files,
	// for deployments where files are fetched through a different ingress.
	DownloadBaseURL string `mapstructure:"download_base_url"`
	MaxUploadMB     int64  `mapstructure:"max_upload_mb"`
}

// GetDownloadBaseURL returns the prefix used for download_urls in responses.
func (s *ServerConfig) GetDownloadBaseURL() string {
	if s.DownloadBaseURL != "" {
		return strings.TrimRight(s.DownloadBaseURL, "/")
	}
	return strings.TrimRight(s.BaseURL, "/")
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	// Driver is "sqlite3" for single-node deployments or "postgres".
	Driver             string `mapstructure:"driver"`
	Path               string `mapstructure:"path"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// Prefix places the workspace under a key prefix when the bucket is shared.
	Prefix   string `mapstructure:"prefix"`

	// Authentication method: "default", "static", "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath      string `mapstructure:"base_path"`
	ServeDirectly bool   `mapstructure:"serve_directly"`
}

// EngineConfig selects and configures the document conversion engine.
type EngineConfig struct {
	// Driver picks the Converter implementation: "cli" runs the mineru
	// binary locally, "remote" forwards to another gateway's /file_mineru.
	Driver  string        `mapstructure:"driver"`
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Per-request defaults, overridable in the request body.
	Backend string `mapstructure:"backend"`
	VLMURL  string `mapstructure:"vlm_url"`
	Lang    string `mapstructure:"lang"`
	Formula bool   `mapstructure:"formula"`
	Table   bool   `mapstructure:"table"`

	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

// EffectiveTimeout is how long one conversion may run with the selected
// driver. The remote driver uses remote_timeout when it is set.
func (e *EngineConfig) EffectiveTimeout() time.Duration {
	if e.Driver == "remote" && e.RemoteTimeout > 0 {
		return e.RemoteTimeout
	}
	return e.Timeout
}

// defaultKeyUser owns the single shared auth.api_key.
const defaultKeyUser = "default"

// AuthConfig holds the bootstrap API keys migrated into an empty key store.
type AuthConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APIKeys   string `mapstructure:"api_keys"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BootstrapKeys returns the configured keys as userID -> token. The single
// shared token is registered under the user id "default", which api_keys
// may only name with the same token.
func (a *AuthConfig) BootstrapKeys() (map[string]string, error) {
	keys := make(map[string]string)
	if strings.TrimSpace(a.APIKeys) != "" {
		if err := json.Unmarshal([]byte(a.APIKeys), &keys); err != nil {
			return nil, fmt.Errorf("auth.api_keys must be a JSON object of user id to key: %w", err)
		}
	}
	if tok := strings.TrimSpace(a.APIKey); tok != "" {
		if prev, ok := keys[defaultKeyUser]; ok && strings.TrimSpace(prev) != "" && prev != tok {
			return nil, fmt.Errorf("auth.api_key and the %q entry of auth.api_keys name different keys", defaultKeyUser)
		}
		keys[defaultKeyUser] = tok
	}
	for user, tok := range keys {
		if strings.TrimSpace(tok) == "" {
			delete(keys, user)
		}
	}
	return keys, nil
}

// JobsConfig tunes waiting and the orphaned-job sweeper.
type JobsConfig struct {
	WaitPollInterval time.Duration `mapstructure:"wait_poll_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	// StaleAfter is how long a job may stay Running before the sweeper fails
	// it. Zero means the effective engine timeout plus five minutes; an
	// explicit value must exceed that timeout.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// IntakeConfig bounds remote PDF downloads.
type IntakeConfig struct {
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	MaxDownloadMB int64         `mapstructure:"max_download_mb"`
}

// RedisConfig enables the distributed rate limiter and cross-replica
// completion notices. An empty URL disables both.
type RedisConfig struct {
	URL           string `mapstructure:"url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Enabled reports whether a Redis URL has been configured.
func (r *RedisConfig) Enabled() bool {
	return r.URL != ""
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.download_base_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.max_upload_mb",

		// Database
		"database.driver",
		"database.path",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.prefix",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.local.base_path",
		"storage.local.serve_directly",

		// Engine
		"engine.driver",
		"engine.command",
		"engine.timeout",
		"engine.backend",
		"engine.lang",
		"engine.formula",
		"engine.table",
		"engine.remote_url",
		"engine.remote_timeout",

		// Auth
		"auth.key_prefix",

		// Jobs
		"jobs.wait_poll_interval",
		"jobs.sweep_interval",
		"jobs.stale_after",

		// Intake
		"intake.fetch_timeout",
		"intake.max_download_mb",

		// Redis
		"redis.url",
		"redis.channel_prefix",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	// Names that predate the OCR_<SECTION>_<KEY> scheme.
	aliases := [][]string{
		{"auth.api_key", "OCR_API_KEY"},
		{"auth.api_keys", "OCR_API_KEYS"},
		{"engine.vlm_url", "OCR_ENGINE_VLM_URL", "MINERU_VLM_URL"},
	}
	for _, alias := range aliases {
		if err := v.BindEnv(alias...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", alias[0], err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ocr-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("OCR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.v = v

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Redis.URL = expandEnv(cfg.Redis.URL)

	if cfg.Jobs.StaleAfter <= 0 {
		cfg.Jobs.StaleAfter = cfg.Engine.EffectiveTimeout() + 5*time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// WatchLogLevel re-reads the config file when it changes on disk and hands
// the new logging level to apply. It is a no-op when no file was loaded.
func (c *Config) WatchLogLevel(apply func(level string)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := c.v.GetString("logging.level")
		slog.Info("config file changed", "file", e.Name, "logging.level", level)
		apply(level)
	})
	c.v.WatchConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.base_url", "http://localhost:8081")
	v.SetDefault("server.download_base_url", "")
	// Conversions are synchronous and can take many minutes.
	v.SetDefault("server.read_timeout", "5m")
	v.SetDefault("server.write_timeout", "35m")
	v.SetDefault("server.max_upload_mb", 200)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./ocr_gateway.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ocr_gateway")
	v.SetDefault("database.user", "ocr")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./workspace")
	v.SetDefault("storage.local.serve_directly", true)
	v.SetDefault("storage.s3.auth_method", "default")

	// Engine defaults
	v.SetDefault("engine.driver", "cli")
	v.SetDefault("engine.command", "mineru")
	v.SetDefault("engine.timeout", "30m")
	v.SetDefault("engine.backend", "vlm-http-client")
	v.SetDefault("engine.vlm_url", "http://10.104.255.37:30010")
	v.SetDefault("engine.lang", "")
	v.SetDefault("engine.formula", true)
	v.SetDefault("engine.table", true)
	v.SetDefault("engine.remote_timeout", "30m")

	// Auth defaults
	v.SetDefault("auth.key_prefix", "ocr")

	// Jobs defaults
	v.SetDefault("jobs.wait_poll_interval", "2s")
	v.SetDefault("jobs.sweep_interval", "1m")

	// Intake defaults
	v.SetDefault("intake.fetch_timeout", "5m")
	v.SetDefault("intake.max_download_mb", 200)

	// Redis defaults
	v.SetDefault("redis.channel_prefix", "ocr:jobs")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required when using sqlite3")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	if c.Storage.DefaultBackend == "azure" {
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	}
	if c.Storage.DefaultBackend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	}
	if c.Storage.DefaultBackend == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
	}
	if c.Storage.DefaultBackend == "local" && c.Storage.Local.BasePath == "" {
		return fmt.Errorf("storage.local.base_path is required when using local backend")
	}

	switch c.Engine.Driver {
	case "cli":
		if c.Engine.Command == "" {
			return fmt.Errorf("engine.command is required when using the cli engine")
		}
	case "remote":
		if c.Engine.RemoteURL == "" {
			return fmt.Errorf("engine.remote_url is required when using the remote engine")
		}
	default:
		return fmt.Errorf("invalid engine driver: %s (must be cli or remote)", c.Engine.Driver)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}
	if stale, limit := c.Jobs.StaleAfter, c.Engine.EffectiveTimeout(); stale > 0 && stale <= limit {
		return fmt.Errorf("jobs.stale_after (%s) must exceed the engine timeout (%s)", stale, limit)
	}
	if !slices.Contains(ValidEngineBackends, c.Engine.Backend) {
		return fmt.Errorf("invalid engine backend: %s", c.Engine.Backend)
	}
	if c.Engine.Lang != "" && !slices.Contains(ValidLanguages, c.Engine.Lang) {
		return fmt.Errorf("invalid engine lang: %s", c.Engine.Lang)
	}

	if _, err := c.Auth.BootstrapKeys(); err != nil {
		return err
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite3" {
		// WAL lets usage-log inserts proceed without blocking readers.
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", c.Path)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
