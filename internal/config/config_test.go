package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/sonicvault/sonicvault-go/internal/quality"
)

func validConfig(dir string) Config {
	return Config{
		Server: ServerConfig{
			URL:     "https://media.example.com",
			Timeout: 30,
		},
		Download: DownloadConfig{
			DocumentDir:            dir,
			MaxConcurrent:          1,
			DefaultQuality:         "medium",
			TransferTimeoutSeconds: 600,
			ArtworkSize:            600,
			TagFiles:               true,
		},
		Cache: CacheConfig{
			Backend:           "memory",
			AutoDownloadLimit: 20,
		},
		Storage: StorageConfig{
			StaleAfterDays: 30,
			LargeFileMB:    50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty server url allowed", mutate: func(c *Config) { c.Server.URL = "" }},
		{name: "server url without scheme", mutate: func(c *Config) { c.Server.URL = "media.example.com" }, wantErr: true},
		{name: "server url ftp", mutate: func(c *Config) { c.Server.URL = "ftp://media.example.com" }, wantErr: true},
		{name: "zero server timeout", mutate: func(c *Config) { c.Server.Timeout = 0 }, wantErr: true},
		{name: "empty document dir", mutate: func(c *Config) { c.Download.DocumentDir = "" }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Download.MaxConcurrent = 0 }, wantErr: true},
		{name: "too much concurrency", mutate: func(c *Config) { c.Download.MaxConcurrent = 9 }, wantErr: true},
		{name: "original quality", mutate: func(c *Config) { c.Download.DefaultQuality = "original" }},
		{name: "invalid quality", mutate: func(c *Config) { c.Download.DefaultQuality = "lossless" }, wantErr: true},
		{name: "zero transfer timeout", mutate: func(c *Config) { c.Download.TransferTimeoutSeconds = 0 }, wantErr: true},
		{name: "negative bandwidth", mutate: func(c *Config) { c.Download.BandwidthLimitKbps = -1 }, wantErr: true},
		{name: "artwork disabled", mutate: func(c *Config) { c.Download.ArtworkSize = 0 }},
		{name: "huge artwork", mutate: func(c *Config) { c.Download.ArtworkSize = 6000 }, wantErr: true},
		{name: "bolt backend", mutate: func(c *Config) { c.Cache.Backend = "bolt" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: true},
		{name: "auto limit zero", mutate: func(c *Config) { c.Cache.AutoDownloadLimit = 0 }},
		{name: "negative auto limit", mutate: func(c *Config) { c.Cache.AutoDownloadLimit = -1 }, wantErr: true},
		{name: "zero stale days", mutate: func(c *Config) { c.Storage.StaleAfterDays = 0 }, wantErr: true},
		{name: "zero large file", mutate: func(c *Config) { c.Storage.LargeFileMB = 0 }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "invalid log output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: true},
		{name: "zero log size", mutate: func(c *Config) { c.Logging.MaxSizeMB = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t.TempDir())
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCreatesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "settings.json")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("Default config file not written: %v", err)
	}

	if cfg.Download.MaxConcurrent != 1 {
		t.Errorf("Expected max_concurrent 1, got %d", cfg.Download.MaxConcurrent)
	}
	if cfg.Download.DefaultQuality != "medium" {
		t.Errorf("Expected default quality medium, got %s", cfg.Download.DefaultQuality)
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("Expected sqlite backend, got %s", cfg.Cache.Backend)
	}
	if cfg.Cache.AutoDownloadLimit != 20 {
		t.Errorf("Expected auto download limit 20, got %d", cfg.Cache.AutoDownloadLimit)
	}
	if !cfg.Download.TagFiles {
		t.Error("Expected tag_files to default to true")
	}
	if cfg.TransferTimeout() != 10*time.Minute {
		t.Errorf("TransferTimeout() = %v, want 10m", cfg.TransferTimeout())
	}
	if cfg.StaleAfter() != 30*24*time.Hour {
		t.Errorf("StaleAfter() = %v, want 720h", cfg.StaleAfter())
	}
	if cfg.LargeFileBytes() != 50*1024*1024 {
		t.Errorf("LargeFileBytes() = %d", cfg.LargeFileBytes())
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg := validConfig(tmpDir)
	cfg.Server.Token = "secret-access-token"
	cfg.Download.DefaultQuality = "high"
	cfg.Cache.Backend = "bolt"
	cfg.Cache.Path = filepath.Join(tmpDir, "offline.bolt")

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if strings.Contains(string(raw), "secret-access-token") {
		t.Error("Token was written in plain text")
	}

	loadedCfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loadedCfg.Server.Token != "secret-access-token" {
		t.Errorf("Expected decrypted token, got %q", loadedCfg.Server.Token)
	}
	if loadedCfg.DefaultTier() != quality.High {
		t.Errorf("Expected quality high, got %s", loadedCfg.DefaultTier())
	}
	if loadedCfg.Cache.Backend != "bolt" {
		t.Errorf("Expected bolt backend, got %s", loadedCfg.Cache.Backend)
	}
	if loadedCfg.CachePath() != cfg.Cache.Path {
		t.Errorf("CachePath() = %s, want %s", loadedCfg.CachePath(), cfg.Cache.Path)
	}
	if cfg.Server.Token != "secret-access-token" {
		t.Error("Save() modified the in-memory token")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")

	if err := os.WriteFile(configPath, []byte(`{"download":{"max_concurrent":0}}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error")
	}
}

func TestEnvironmentOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "settings.json")

	t.Setenv("SONICVAULT_DOWNLOAD_MAX_CONCURRENT", "3")
	t.Setenv("SONICVAULT_SERVER_URL", "http://localhost:8096")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Download.MaxConcurrent != 3 {
		t.Errorf("Expected max_concurrent 3, got %d", cfg.Download.MaxConcurrent)
	}
	if cfg.Server.URL != "http://localhost:8096" {
		t.Errorf("Expected env server url, got %s", cfg.Server.URL)
	}
}

func TestFlagOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "settings.json")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("quality", "medium", "")
	flags.Int("max-concurrent", 1, "")
	flags.String("cache-backend", "sqlite", "")
	if err := flags.Parse([]string{"--quality", "original", "--cache-backend", "memory"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := LoadWithFlags(configPath, flags)
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}

	if cfg.Download.DefaultQuality != "original" {
		t.Errorf("Expected flag quality original, got %s", cfg.Download.DefaultQuality)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Expected flag backend memory, got %s", cfg.Cache.Backend)
	}
	if cfg.Download.MaxConcurrent != 1 {
		t.Errorf("Unchanged flag overrode max_concurrent: %d", cfg.Download.MaxConcurrent)
	}
	if cfg.CachePath() != "" {
		t.Errorf("Memory backend CachePath() = %q, want empty", cfg.CachePath())
	}
}

func TestReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	updated := *cfg
	updated.Storage.StaleAfterDays = 7
	if err := updated.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := cfg.Reload(configPath); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Storage.StaleAfterDays != 7 {
		t.Errorf("Expected stale_after_days 7 after reload, got %d", cfg.Storage.StaleAfterDays)
	}
}

func TestLogConfig(t *testing.T) {
	cfg := validConfig(t.TempDir())
	cfg.Logging.FilePath = "/var/log/sonicvault.log"

	lc := cfg.LogConfig()
	if lc.Level != "info" || lc.Output != "console" || lc.FilePath != "/var/log/sonicvault.log" {
		t.Errorf("LogConfig() = %+v", lc)
	}
}
