// Package config loads the service configuration from TOML with defaults
// applied for anything left unset.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/scenecast/scenecast/internal/status"
	"github.com/scenecast/scenecast/internal/wire"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the recognized service options.
type Config struct {
	// ListenAddr is the TCP address the producer connects to.
	ListenAddr string `toml:"listen_addr"`
	// OpsAddr enables the HTTP ops surface (health, status, metrics) when
	// non-empty. Off by default.
	OpsAddr string `toml:"ops_addr"`
	// MaxFrameBytes caps the declared length of one frame.
	MaxFrameBytes uint32 `toml:"max_frame_bytes"`
	// StatusThrottle is the minimum interval between routine status updates.
	StatusThrottle Duration `toml:"status_throttle"`
	// StagingDir is where decode inputs are staged; empty means the system
	// temp directory.
	StagingDir string `toml:"staging_dir"`
}

// Default returns the configuration used when no file or flags override it.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxFrameBytes:  wire.DefaultMaxFrameBytes,
		StatusThrottle: Duration(status.DefaultThrottle),
	}
}

// Load reads a TOML config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config load failed (%s)", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if c.MaxFrameBytes == 0 {
		return errors.New("max_frame_bytes must be greater than zero")
	}
	if c.StatusThrottle < 0 {
		return errors.New("status_throttle must not be negative")
	}
	return nil
}
