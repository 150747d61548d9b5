package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ttbazaar/chatd/internal/model"
)

// Duration wraps time.Duration so it round-trips as a string ("2s", "30s")
// in both TOML and environment variables.
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

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Identity configures who the daemon acts as.
type Identity struct {
	UserID int64  `toml:"user_id" env:"USER_ID"`
	Role   string `toml:"role" env:"ROLE"`
	ShopID int64  `toml:"shop_id" env:"SHOP_ID"`
}

// Reconnect configures the connection retry policy.
type Reconnect struct {
	BaseDelay   Duration `toml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    Duration `toml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// Config is the daemon configuration, read from a TOML file with
// CHATD_*-prefixed environment variables applied on top.
type Config struct {
	BackendURL string `toml:"backend_url" env:"BACKEND_URL"`
	BrokerURL  string `toml:"broker_url" env:"BROKER_URL"`
	StateDir   string `toml:"state_dir" env:"STATE_DIR"`

	Identity  Identity  `toml:"identity" envPrefix:"IDENTITY_"`
	Reconnect Reconnect `toml:"reconnect" envPrefix:"RECONNECT_"`

	DedupWindow    Duration `toml:"dedup_window" env:"DEDUP_WINDOW"`
	SendRetryLimit int      `toml:"send_retry_limit" env:"SEND_RETRY_LIMIT"`
}

// Default returns the built-in configuration. Backoff and dedup values are
// deliberately tunable rather than hard-wired into the components.
func Default() *Config {
	return &Config{
		BackendURL: "http://localhost:8080/api",
		BrokerURL:  "ws://localhost:8080/api/ws-chat",
		StateDir:   defaultStateDir(),
		Identity:   Identity{Role: string(model.RoleBuyer)},
		Reconnect: Reconnect{
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			MaxAttempts: 5,
		},
		DedupWindow:    Duration(2 * time.Second),
		SendRetryLimit: 3,
	}
}

// Load reads config from the given path (missing file is not an error),
// applies CHATD_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CHATD_"}); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Validate checks for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Identity.UserID == 0 {
		return errors.New("identity.user_id is required")
	}
	switch model.Role(c.Identity.Role) {
	case model.RoleBuyer:
	case model.RoleSeller:
		if c.Identity.ShopID == 0 {
			return errors.New("identity.shop_id is required for SELLER role")
		}
	default:
		return fmt.Errorf("identity.role must be BUYER or SELLER, got %q", c.Identity.Role)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be positive")
	}
	if c.DedupWindow <= 0 {
		return errors.New("dedup_window must be positive")
	}
	if c.SendRetryLimit <= 0 {
		return errors.New("send_retry_limit must be positive")
	}
	return nil
}

// ModelIdentity converts the configured identity to its domain form.
func (c *Config) ModelIdentity() model.Identity {
	return model.Identity{
		UserID: c.Identity.UserID,
		Role:   model.Role(c.Identity.Role),
		ShopID: c.Identity.ShopID,
	}
}

// LogPath returns the daemon log file location under the state dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, "chatd.log")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatd"
	}
	return filepath.Join(home, ".chatd")
}
