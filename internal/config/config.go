package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "GRAVITY_NOTES"
	defaultBaseURL        = "http://localhost:8082/api"
	defaultTimeoutSeconds = 30
	defaultLogLevel       = "info"
	defaultLogEncoding    = "json"
	defaultObfuscationKey = "gravity-notes"
	defaultDevAddress     = "127.0.0.1:8082"
	defaultDevDatabase    = ":memory:"
	defaultAccessTTL      = 900
	defaultRefreshTTL     = 168
	credentialsFileName   = "credentials.db"
	applicationDirName    = "gravity-notes"
)

// AppConfig captures runtime configuration for the notes client.
type AppConfig struct {
	BaseURL        string
	HTTPTimeout    time.Duration
	StoragePath    string
	ObfuscationKey string
	LogLevel       string
	LogEncoding    string
	Dev            DevServerConfig
}

// DevServerConfig configures the bundled reference API.
type DevServerConfig struct {
	Address       string
	DatabasePath  string
	SigningSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", defaultBaseURL)
	configViper.SetDefault("http.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("storage.path", DefaultStoragePath())
	configViper.SetDefault("storage.obfuscation_key", defaultObfuscationKey)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("dev.address", defaultDevAddress)
	configViper.SetDefault("dev.database_path", defaultDevDatabase)
	configViper.SetDefault("dev.access_ttl_seconds", defaultAccessTTL)
	configViper.SetDefault("dev.refresh_ttl_hours", defaultRefreshTTL)
}

// DefaultStoragePath places the credentials database in the user's config directory, falling back
// to the working directory when none is available.
func DefaultStoragePath() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return credentialsFileName
	}
	return filepath.Join(base, applicationDirName, credentialsFileName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BaseURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		HTTPTimeout:    time.Duration(configViper.GetInt("http.timeout_seconds")) * time.Second,
		StoragePath:    strings.TrimSpace(configViper.GetString("storage.path")),
		ObfuscationKey: configViper.GetString("storage.obfuscation_key"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		Dev: DevServerConfig{
			Address:       configViper.GetString("dev.address"),
			DatabasePath:  configViper.GetString("dev.database_path"),
			SigningSecret: configViper.GetString("dev.signing_secret"),
			AccessTTL:     time.Duration(configViper.GetInt("dev.access_ttl_seconds")) * time.Second,
			RefreshTTL:    time.Duration(configViper.GetInt("dev.refresh_ttl_hours")) * time.Hour,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an absolute http or https url, got %q", c.BaseURL)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	return nil
}

// ValidateDevServer checks the settings only the dev-server command needs.
func (c AppConfig) ValidateDevServer() error {
	if strings.TrimSpace(c.Dev.SigningSecret) == "" {
		return fmt.Errorf("dev.signing_secret is required")
	}
	if strings.TrimSpace(c.Dev.Address) == "" {
		return fmt.Errorf("dev.address is required")
	}
	if c.Dev.AccessTTL <= 0 || c.Dev.RefreshTTL <= 0 {
		return fmt.Errorf("dev token lifetimes must be positive")
	}
	return nil
}
