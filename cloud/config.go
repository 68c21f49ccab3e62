package cloud

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config contains the runtime configuration of one cloud session.
type Config struct {
	// BaseURL is the REST endpoint root.
	BaseURL string `env:"PLUME_BASE_URL" yaml:"base_url"`
	// WSURL is the websocket endpoint for the sync channel.
	WSURL string `env:"PLUME_WS_URL" yaml:"ws_url"`
	// AuthURL is the auth service root used for token refresh.
	AuthURL string `env:"PLUME_AUTH_URL" yaml:"auth_url"`

	// DeviceID identifies this installation. Empty means a new ULID is
	// generated at session construction (not persisted by this SDK).
	DeviceID string `env:"PLUME_DEVICE_ID" yaml:"device_id"`

	// ClientVersion is reported to the server on every request.
	ClientVersion string `env:"PLUME_CLIENT_VERSION" envDefault:"0.1.0" yaml:"client_version"`

	// EnableSync is the initial value of the sync-enabled flag.
	EnableSync bool `env:"PLUME_ENABLE_SYNC" envDefault:"true" yaml:"enable_sync"`

	// MaxUploadBytes bounds file blob uploads (0 means unlimited).
	MaxUploadBytes int64 `env:"PLUME_MAX_UPLOAD_BYTES" envDefault:"1073741824" yaml:"max_upload_bytes"`

	LogLevel string `env:"PLUME_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
}

// LoadConfig loads Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile loads Config from environment variables, then overlays the
// fields present in a YAML file. Precedence: file > env > defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return Config{}, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Pointer fields distinguish "absent from file" from zero values.
	var f struct {
		BaseURL        *string `yaml:"base_url"`
		WSURL          *string `yaml:"ws_url"`
		AuthURL        *string `yaml:"auth_url"`
		DeviceID       *string `yaml:"device_id"`
		ClientVersion  *string `yaml:"client_version"`
		EnableSync     *bool   `yaml:"enable_sync"`
		MaxUploadBytes *int64  `yaml:"max_upload_bytes"`
		LogLevel       *string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if f.BaseURL != nil {
		cfg.BaseURL = *f.BaseURL
	}
	if f.WSURL != nil {
		cfg.WSURL = *f.WSURL
	}
	if f.AuthURL != nil {
		cfg.AuthURL = *f.AuthURL
	}
	if f.DeviceID != nil {
		cfg.DeviceID = *f.DeviceID
	}
	if f.ClientVersion != nil {
		cfg.ClientVersion = *f.ClientVersion
	}
	if f.EnableSync != nil {
		cfg.EnableSync = *f.EnableSync
	}
	if f.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *f.MaxUploadBytes
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	return cfg, nil
}

// Validate checks that the endpoints required for real collaborators are set.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: missing base_url")
	}
	if c.WSURL == "" {
		return errors.New("config: missing ws_url")
	}
	if c.AuthURL == "" {
		return errors.New("config: missing auth_url")
	}
	return nil
}
