package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-issuer/server"
)

const (
	backendMemory = "memory"
	backendValkey = "valkey"

	grantCode     = "code"
	grantPassword = "password"
)

// benchConfig is the YAML configuration of a benchmark run
type benchConfig struct {
	// Users is the number of concurrent principals
	Users int `yaml:"users"`

	// Cycles is the number of grant, validate and refresh cycles per user
	Cycles int `yaml:"cycles"`

	// Grant selects how each cycle obtains its first token: "code" or "password"
	Grant string `yaml:"grant"`

	// Scope is requested on every grant and required on every validation
	Scope []string `yaml:"scope"`

	// Backend selects the token store: "memory" or "valkey"
	Backend string `yaml:"backend"`

	Server serverConfig `yaml:"server"`
	Valkey valkeyConfig `yaml:"valkey"`
}

type serverConfig struct {
	MaxTokenTime        int64 `yaml:"max_token_time"`
	RefreshTokenTTL     int64 `yaml:"refresh_token_ttl"`
	RotateRefreshTokens bool  `yaml:"rotate_refresh_tokens"`
	ExpiryWorkers       int   `yaml:"expiry_workers"`
	EnableAuditLogging  bool  `yaml:"enable_audit_logging"`
}

type valkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// EncryptionKey is a base64 AES-256 key; empty disables encryption at rest
	EncryptionKey string `yaml:"encryption_key"`
}

func defaultBenchConfig() *benchConfig {
	return &benchConfig{
		Users:   100,
		Cycles:  10,
		Grant:   grantCode,
		Scope:   []string{"foo", "bar"},
		Backend: backendMemory,
		Server: serverConfig{
			MaxTokenTime:  server.DefaultMaxTokenTime,
			ExpiryWorkers: server.DefaultExpiryWorkers,
		},
		Valkey: valkeyConfig{
			Address:   "localhost:6379",
			KeyPrefix: "issuer-bench:",
		},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
// Unknown keys are rejected so that typos do not silently fall back.
func loadConfig(path string) (*benchConfig, error) {
	cfg := defaultBenchConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *benchConfig) validate() error {
	var errs []error
	if c.Users <= 0 {
		errs = append(errs, fmt.Errorf("users must be positive, got %d", c.Users))
	}
	if c.Cycles <= 0 {
		errs = append(errs, fmt.Errorf("cycles must be positive, got %d", c.Cycles))
	}
	if c.Grant != grantCode && c.Grant != grantPassword {
		errs = append(errs, fmt.Errorf("grant must be %q or %q, got %q", grantCode, grantPassword, c.Grant))
	}
	if c.Backend != backendMemory && c.Backend != backendValkey {
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", backendMemory, backendValkey, c.Backend))
	}
	if c.Backend == backendValkey && c.Valkey.Address == "" {
		errs = append(errs, errors.New("valkey.address is required for the valkey backend"))
	}
	return errors.Join(errs...)
}

// serverConfig converts the file settings into a server.Config
func (c *benchConfig) serverConfig() *server.Config {
	return &server.Config{
		MaxTokenTime:        c.Server.MaxTokenTime,
		UnlimitedTokens:     c.Server.MaxTokenTime == 0,
		RefreshTokenTTL:     c.Server.RefreshTokenTTL,
		RotateRefreshTokens: c.Server.RotateRefreshTokens,
		ExpiryWorkers:       c.Server.ExpiryWorkers,
		EnableAuditLogging:  c.Server.EnableAuditLogging,
	}
}
