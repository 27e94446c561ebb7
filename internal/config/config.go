// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/rastercat/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Storage  StorageConfig  `mapstructure:"storage"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBatchPoints  int           `mapstructure:"max_batch_points"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// CatalogConfig holds catalog build and persistence configuration.
type CatalogConfig struct {
	Sources          []domain.SourcePattern `mapstructure:"sources"`
	IndexPath        string                 `mapstructure:"index_path"`
	DescriptorsPath  string                 `mapstructure:"descriptors_path"`
	CRS              string                 `mapstructure:"crs"` // Applied to rasters without a .prj
	Workers          int                    `mapstructure:"workers"`
	RebuildOnMissing bool                   `mapstructure:"rebuild_on_missing"`
	Watch            WatchConfig            `mapstructure:"watch"`
}

// WatchConfig holds source directory watching configuration.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// ResolverConfig holds point resolution configuration.
type ResolverConfig struct {
	HandleCacheSize int `mapstructure:"handle_cache_size"` // 0 disables the cache
	BatchWorkers    int `mapstructure:"batch_workers"`
}

// StorageConfig holds remote raster storage configuration. Type "local"
// means rasters are already on disk and nothing is mirrored.
type StorageConfig struct {
	Type         string        `mapstructure:"type"` // s3, azure, http, mount, local
	LocalPath    string        `mapstructure:"local_path"`
	SyncInterval time.Duration `mapstructure:"sync_interval"` // 0 disables periodic mirroring
	S3           S3Config      `mapstructure:"s3"`
	Azure        AzureConfig   `mapstructure:"azure"`
	HTTP         HTTPConfig    `mapstructure:"http"`
	Mount        MountConfig   `mapstructure:"mount"`
}

// MountConfig holds the source directory of a mounted raster share, such as
// NFS or SMB, that is mirrored onto local disk.
type MountConfig struct {
	Path string `mapstructure:"path"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds the Azure DNS zone used for DNS-01 challenges.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text, console
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.max_batch_points", 10000)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Catalog defaults
	viper.SetDefault("catalog.index_path", "./catalog/index.sqlite")
	viper.SetDefault("catalog.descriptors_path", "./catalog/descriptors.yaml")
	viper.SetDefault("catalog.crs", "")
	viper.SetDefault("catalog.workers", 0)
	viper.SetDefault("catalog.rebuild_on_missing", true)
	viper.SetDefault("catalog.watch.enabled", false)
	viper.SetDefault("catalog.watch.debounce", 2*time.Second)

	// Resolver defaults
	viper.SetDefault("resolver.handle_cache_size", 64)
	viper.SetDefault("resolver.batch_workers", 0)

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "./data")
	viper.SetDefault("storage.sync_interval", time.Duration(0))
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("RASTERCAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/rastercat")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration. An empty source list is valid here;
// building a catalog without sources fails later with domain.ErrNoSources.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if c.Server.MaxBatchPoints < 1 {
		return &domain.ConfigError{Field: "server.max_batch_points", Message: "must be positive"}
	}

	if err := c.Catalog.validate(); err != nil {
		return err
	}

	if c.Resolver.HandleCacheSize < 0 {
		return &domain.ConfigError{Field: "resolver.handle_cache_size", Message: "must not be negative"}
	}
	if c.Resolver.BatchWorkers < 0 {
		return &domain.ConfigError{Field: "resolver.batch_workers", Message: "must not be negative"}
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return &domain.ConfigError{Field: "tls.domains", Message: "TLS enabled but no domains specified"}
		}
		if c.TLS.Email == "" {
			return &domain.ConfigError{Field: "tls.email", Message: "TLS enabled but no email specified"}
		}
	}

	switch c.Logging.Format {
	case "json", "text", "console":
	default:
		return &domain.ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	return c.Storage.validate()
}

func (c *CatalogConfig) validate() error {
	for i, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("catalog.sources[%d]", i), Message: err.Error()}
		}
	}

	if c.IndexPath == "" {
		return &domain.ConfigError{Field: "catalog.index_path", Message: "is required"}
	}
	if c.DescriptorsPath == "" {
		return &domain.ConfigError{Field: "catalog.descriptors_path", Message: "is required"}
	}
	if filepath.Clean(c.IndexPath) == filepath.Clean(c.DescriptorsPath) {
		return &domain.ConfigError{Field: "catalog.descriptors_path", Message: "must differ from catalog.index_path"}
	}
	if c.Workers < 0 {
		return &domain.ConfigError{Field: "catalog.workers", Message: "must not be negative"}
	}
	if c.Watch.Debounce < 0 {
		return &domain.ConfigError{Field: "catalog.watch.debounce", Message: "must not be negative"}
	}
	return nil
}

func (c *StorageConfig) validate() error {
	if c.LocalPath == "" {
		return &domain.ConfigError{Field: "storage.local_path", Message: "is required"}
	}
	if c.SyncInterval < 0 {
		return &domain.ConfigError{Field: "storage.sync_interval", Message: "must not be negative"}
	}

	switch c.Type {
	case "local":
	case "s3":
		if c.S3.Bucket == "" {
			return &domain.ConfigError{Field: "storage.s3.bucket", Message: "is required"}
		}
		if c.S3.Region == "" {
			return &domain.ConfigError{Field: "storage.s3.region", Message: "is required"}
		}
	case "azure":
		if c.Azure.Container == "" {
			return &domain.ConfigError{Field: "storage.azure.container", Message: "is required"}
		}
		if c.Azure.AccountName == "" && c.Azure.ConnectionString == "" {
			return &domain.ConfigError{Field: "storage.azure", Message: "account name or connection string is required"}
		}
	case "http":
		if c.HTTP.BaseURL == "" {
			return &domain.ConfigError{Field: "storage.http.base_url", Message: "is required"}
		}
	case "mount":
		if c.Mount.Path == "" {
			return &domain.ConfigError{Field: "storage.mount.path", Message: "is required"}
		}
		if filepath.Clean(c.Mount.Path) == filepath.Clean(c.LocalPath) {
			return &domain.ConfigError{Field: "storage.mount.path", Message: "must differ from storage.local_path"}
		}
	default:
		return &domain.ConfigError{Field: "storage.type", Message: fmt.Sprintf("unknown storage type %q", c.Type)}
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Remote reports whether rasters are mirrored from remote storage.
func (c *StorageConfig) Remote() bool {
	return c.Type != "local"
}
