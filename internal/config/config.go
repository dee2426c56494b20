// Package config loads the daemon configuration: compiled-in defaults,
// overlaid by an optional TOML file, overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// Duration is a time.Duration that decodes from "5s"-style strings in both
// TOML and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for the TOML layer.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(repl string) error {
	return d.UnmarshalText([]byte(repl))
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr" env:"CHATBRIDGE_LISTEN_ADDR"`

	// Creds selects and parameterizes the credential store backend.
	CredsBackend string `toml:"creds_backend" env:"CHATBRIDGE_CREDS_BACKEND"` // "fs" or "redis"
	CredsDir     string `toml:"creds_dir" env:"CHATBRIDGE_CREDS_DIR"`
	WatchCreds   bool   `toml:"watch_creds" env:"CHATBRIDGE_WATCH_CREDS"`

	RedisAddr     string `toml:"redis_addr" env:"CHATBRIDGE_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"CHATBRIDGE_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"CHATBRIDGE_REDIS_DB"`

	KeepAliveInterval  Duration `toml:"keep_alive_interval" env:"CHATBRIDGE_KEEP_ALIVE_INTERVAL"`
	SessionIdleTimeout Duration `toml:"session_idle_timeout" env:"CHATBRIDGE_SESSION_IDLE_TIMEOUT"`
	TenantIdleTimeout  Duration `toml:"tenant_idle_timeout" env:"CHATBRIDGE_TENANT_IDLE_TIMEOUT"`
	SweepInterval      Duration `toml:"sweep_interval" env:"CHATBRIDGE_SWEEP_INTERVAL"`

	MaxRetries int      `toml:"max_retries" env:"CHATBRIDGE_MAX_RETRIES"`
	RetryDelay Duration `toml:"retry_delay" env:"CHATBRIDGE_RETRY_DELAY"`

	// QRDisplay selects where pairing codes surface: "sink" pushes them over
	// the session's event stream, "log" writes them to the server log.
	QRDisplay string `toml:"qr_display" env:"CHATBRIDGE_QR_DISPLAY"`

	MediaDir string `toml:"media_dir" env:"CHATBRIDGE_MEDIA_DIR"`

	Auth AuthConfig `toml:"auth"`
}

// AuthConfig selects the bearer authentication mode.
type AuthConfig struct {
	Mode     string `toml:"mode" env:"CHATBRIDGE_AUTH_MODE"` // "none" or "jwt"
	Issuer   string `toml:"issuer" env:"CHATBRIDGE_AUTH_ISSUER"`
	JWKSURL  string `toml:"jwks_url" env:"CHATBRIDGE_AUTH_JWKS_URL"`
	Audience string `toml:"audience" env:"CHATBRIDGE_AUTH_AUDIENCE"`
	Realm    string `toml:"realm" env:"CHATBRIDGE_AUTH_REALM"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		CredsBackend:       "fs",
		CredsDir:           "./data/creds",
		RedisAddr:          "127.0.0.1:6379",
		KeepAliveInterval:  Duration(15 * time.Second),
		SessionIdleTimeout: Duration(30 * time.Minute),
		TenantIdleTimeout:  Duration(2 * time.Hour),
		SweepInterval:      Duration(time.Minute),
		MaxRetries:         3,
		RetryDelay:         Duration(5 * time.Second),
		QRDisplay:          "sink",
		Auth:               AuthConfig{Mode: "none"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file is absent), and environment variables, in that
// precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CredsBackend {
	case "fs", "redis":
	default:
		return fmt.Errorf("creds_backend must be fs or redis, got %q", c.CredsBackend)
	}
	switch c.QRDisplay {
	case "sink", "log":
	default:
		return fmt.Errorf("qr_display must be sink or log, got %q", c.QRDisplay)
	}
	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.Issuer == "" || c.Auth.JWKSURL == "" || c.Auth.Audience == "" {
			return errors.New("auth mode jwt requires issuer, jwks_url and audience")
		}
	default:
		return fmt.Errorf("auth.mode must be none or jwt, got %q", c.Auth.Mode)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	return nil
}
