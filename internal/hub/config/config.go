// Package config loads the hub's runtime configuration. Sources are
// layered: built-in defaults, then an optional YAML file, then
// AGENTIM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`

	JWTSecret            string `koanf:"jwt_secret"`
	JWTPrevSecret        string `koanf:"jwt_prev_secret"`
	RevocationHMACSecret string `koanf:"revocation_hmac_secret"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	MaxClientsPerUser  int `koanf:"max_clients_per_user"`
	MaxClients         int `koanf:"max_clients"`
	MaxGatewaysPerUser int `koanf:"max_gateways_per_user"`

	AccessTokenTTL time.Duration `koanf:"access_token_ttl"`
}

// Load reads configuration from defaults, the optional YAML file at
// path (skipped when empty or missing), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"addr":                  ":4860",
		"data_dir":              defaultDataDir(),
		"max_clients_per_user":  8,
		"max_clients":           10000,
		"max_gateways_per_user": 4,
		"access_token_ttl":      "15m",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// AGENTIM_JWT_SECRET -> jwt_secret
	if err := k.Load(env.Provider("AGENTIM_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AGENTIM_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks required values and ensures the data dir exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required (set AGENTIM_JWT_SECRET)")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	if c.RedisAddr != "" && c.RevocationHMACSecret == "" {
		return fmt.Errorf("revocation_hmac_secret is required when redis_addr is set")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("access_token_ttl must be positive")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentim", "hub")
	}
	return filepath.Join(home, ".config", "agentim", "hub")
}
