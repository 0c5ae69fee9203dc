package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.convo/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Provider       Provider `toml:"provider"`
	Limits         Limits   `toml:"limits"`
}

// Provider selects and configures the remote document store and
// identity provider backends.
type Provider struct {
	// Backend is "memory" or "mongo".
	Backend    string `toml:"backend"`
	MongoURI   string `toml:"mongo_uri"`
	Database   string `toml:"database"`
	AuthSecret string `toml:"auth_secret"`
}

// Limits bounds local validation and remote waits.
type Limits struct {
	// AttachmentMaxBytes caps the decoded size of image payloads.
	AttachmentMaxBytes int64 `toml:"attachment_max_bytes"`
	// LocationTimeoutSecs bounds location acquisition before a send fails.
	LocationTimeoutSecs int `toml:"location_timeout_secs"`
	// LocationMaxAgeSecs is how long an acquired fix may be reused
	// before the next location send asks the locator again.
	LocationMaxAgeSecs int `toml:"location_max_age_secs"`
	// SendPerMinute and SendBurst throttle outgoing messages per channel.
	SendPerMinute int `toml:"send_per_minute"`
	SendBurst     int `toml:"send_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Provider: Provider{
			Backend:  "memory",
			Database: "convo",
		},
		Limits: Limits{
			AttachmentMaxBytes:  5 << 20,
			LocationTimeoutSecs: 15,
			LocationMaxAgeSecs:  10,
			SendPerMinute:       60,
			SendBurst:           10,
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Limits.AttachmentMaxBytes <= 0 {
		cfg.Limits.AttachmentMaxBytes = 5 << 20
	}
	if cfg.Limits.LocationTimeoutSecs <= 0 {
		cfg.Limits.LocationTimeoutSecs = 15
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
