package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sonicvault/sonicvault-go/internal/monitoring"
	"github.com/sonicvault/sonicvault-go/internal/quality"
	"github.com/sonicvault/sonicvault-go/internal/security"
)

const (
	appDirName = "SonicVault"
	envPrefix  = "SONICVAULT"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Cache    CacheConfig    `json:"cache" mapstructure:"cache"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// ServerConfig contains media server session settings
type ServerConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Token    string `json:"token" mapstructure:"token"`
	UserID   string `json:"user_id" mapstructure:"user_id"`
	DeviceID string `json:"device_id" mapstructure:"device_id"`
	Timeout  int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// DownloadConfig contains download queue settings
type DownloadConfig struct {
	DocumentDir            string `json:"document_dir" mapstructure:"document_dir"`
	MaxConcurrent          int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	DefaultQuality         string `json:"default_quality" mapstructure:"default_quality"`
	TransferTimeoutSeconds int    `json:"transfer_timeout_seconds" mapstructure:"transfer_timeout_seconds"`
	BandwidthLimitKbps     int    `json:"bandwidth_limit_kbps" mapstructure:"bandwidth_limit_kbps"` // 0 = unlimited
	ArtworkSize            int    `json:"artwork_size" mapstructure:"artwork_size"`                 // 0 = no artwork
	TagFiles               bool   `json:"tag_files" mapstructure:"tag_files"`
}

// CacheConfig selects the key-value backend of the offline cache
type CacheConfig struct {
	Backend           string `json:"backend" mapstructure:"backend"` // sqlite, bolt, memory
	Path              string `json:"path" mapstructure:"path"`
	AutoDownloadLimit int    `json:"auto_download_limit" mapstructure:"auto_download_limit"`
}

// StorageConfig contains cleanup suggestion thresholds
type StorageConfig struct {
	StaleAfterDays int `json:"stale_after_days" mapstructure:"stale_after_days"`
	LargeFileMB    int `json:"large_file_mb" mapstructure:"large_file_mb"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// FlagBindings maps configuration keys to the command line flags that
// override them.
var FlagBindings = map[string]string{
	"server.url":                        "server-url",
	"server.token":                      "token",
	"server.user_id":                    "user-id",
	"download.document_dir":             "document-dir",
	"download.max_concurrent":           "max-concurrent",
	"download.default_quality":          "quality",
	"download.bandwidth_limit_kbps":     "bandwidth-limit",
	"download.transfer_timeout_seconds": "transfer-timeout",
	"cache.backend":                     "cache-backend",
	"cache.path":                        "cache-path",
	"logging.level":                     "log-level",
	"logging.output":                    "log-output",
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags loads configuration like Load and lets any changed flag in
// flags (see FlagBindings) override file and environment values.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = GetConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Config file not found, create with defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := v.WriteConfigAs(configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Allow environment variable overrides, e.g. SONICVAULT_SERVER_URL
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range FlagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The token is stored encrypted with a key kept beside the settings file
	if cfg.Server.Token != "" {
		token, err := security.NewTokenEncryptor(filepath.Dir(configPath)).DecryptToken(cfg.Server.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt server token: %w", err)
		}
		cfg.Server.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Server validation
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid server url: %s (must be an http or https url)", c.Server.URL)
		}
	}

	if c.Server.Timeout < 1 {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	// Download validation
	if c.Download.DocumentDir == "" {
		return fmt.Errorf("document directory cannot be empty")
	}

	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}

	if c.Download.MaxConcurrent > 8 {
		return fmt.Errorf("max concurrent downloads cannot exceed 8")
	}

	if _, err := quality.ParseTier(c.Download.DefaultQuality); err != nil {
		return fmt.Errorf("invalid default quality: %w", err)
	}

	if c.Download.TransferTimeoutSeconds < 1 {
		return fmt.Errorf("transfer timeout must be at least 1 second")
	}

	if c.Download.BandwidthLimitKbps < 0 {
		return fmt.Errorf("bandwidth limit cannot be negative")
	}

	if c.Download.ArtworkSize < 0 || c.Download.ArtworkSize > 5000 {
		return fmt.Errorf("artwork size must be between 0 and 5000 pixels")
	}

	// Cache validation
	validBackends := map[string]bool{"sqlite": true, "bolt": true, "memory": true}
	if !validBackends[c.Cache.Backend] {
		return fmt.Errorf("invalid cache backend: %s (must be sqlite, bolt, or memory)", c.Cache.Backend)
	}

	if c.Cache.AutoDownloadLimit < 0 {
		return fmt.Errorf("auto download limit cannot be negative")
	}

	// Storage validation
	if c.Storage.StaleAfterDays < 1 {
		return fmt.Errorf("stale threshold must be at least 1 day")
	}

	if c.Storage.LargeFileMB < 1 {
		return fmt.Errorf("large file threshold must be at least 1 MB")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file. A non-empty token is written
// encrypted.
func (c *Config) Save(path string) error {
	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	server := c.Server
	if server.Token != "" && !security.IsEncrypted(server.Token) {
		token, err := security.NewTokenEncryptor(filepath.Dir(path)).EncryptToken(server.Token)
		if err != nil {
			return fmt.Errorf("failed to encrypt server token: %w", err)
		}
		server.Token = token
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("server", server)
	v.Set("download", c.Download)
	v.Set("cache", c.Cache)
	v.Set("storage", c.Storage)
	v.Set("logging", c.Logging)

	return v.WriteConfig()
}

// Reload reloads the configuration from file
func (c *Config) Reload(configPath string) error {
	newConfig, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	*c = *newConfig
	return nil
}

// ServerTimeout returns the catalog request timeout.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.Timeout) * time.Second
}

// TransferTimeout returns the per-download time limit.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Download.TransferTimeoutSeconds) * time.Second
}

// StaleAfter returns the age at which a cached file is suggested for cleanup.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Storage.StaleAfterDays) * 24 * time.Hour
}

// LargeFileBytes returns the size above which a cached file counts as large.
func (c *Config) LargeFileBytes() int64 {
	return int64(c.Storage.LargeFileMB) * 1024 * 1024
}

// DefaultTier returns the parsed default quality. Validate guarantees it parses.
func (c *Config) DefaultTier() quality.Tier {
	return quality.SafeQuality(c.Download.DefaultQuality, quality.Default)
}

// CachePath returns the key-value store location, choosing a file under the
// data directory when none is configured.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	switch c.Cache.Backend {
	case "bolt":
		return filepath.Join(GetDataDir(), "data", "offline.bolt")
	case "memory":
		return ""
	default:
		return filepath.Join(GetDataDir(), "data", "offline.db")
	}
}

// LogConfig converts the logging section for monitoring.NewLogger.
func (c *Config) LogConfig() *monitoring.LogConfig {
	return &monitoring.LogConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.user_id", "")
	v.SetDefault("server.device_id", "")
	v.SetDefault("server.timeout", 30)

	// Download defaults
	v.SetDefault("download.document_dir", getDefaultDocumentDir())
	v.SetDefault("download.max_concurrent", 1)
	v.SetDefault("download.default_quality", string(quality.Default))
	v.SetDefault("download.transfer_timeout_seconds", 600)
	v.SetDefault("download.bandwidth_limit_kbps", 0)
	v.SetDefault("download.artwork_size", 600)
	v.SetDefault("download.tag_files", true)

	// Cache defaults
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.auto_download_limit", 20)

	// Storage defaults
	v.SetDefault("storage.stale_after_days", 30)
	v.SetDefault("storage.large_file_mb", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "sonicvault.log"))
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// getDefaultDocumentDir returns the default directory for cached files
func getDefaultDocumentDir() string {
	return filepath.Join(GetDataDir(), "documents")
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0755)
}

// GetDataDir returns the application data directory
func GetDataDir() string {
	if IsPortableMode() {
		exePath, err := os.Executable()
		if err != nil {
			return "."
		}
		return filepath.Dir(exePath)
	}

	appData := os.Getenv("APPDATA")
	if appData == "" {
		appData = os.Getenv("HOME")
	}
	return filepath.Join(appData, appDirName)
}

// IsPortableMode checks if a .portable marker sits next to the executable
func IsPortableMode() bool {
	exePath, err := os.Executable()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(filepath.Dir(exePath), ".portable"))
	return err == nil
}

// GetConfigPath returns the configuration file path based on mode
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}
