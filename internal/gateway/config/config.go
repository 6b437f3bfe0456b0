// Package config manages the gateway's persisted credentials and
// daemon records under ~/.agentim.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentim/agentim/internal/gateway/cryptutil"
	"github.com/agentim/agentim/internal/hub/id"
)

// configVersion is the current on-disk format. Version 1 stored tokens
// in plaintext; loading one rewrites it encrypted.
const configVersion = 2

// File is the gateway's persisted credential file. Token fields hold
// encrypted values on disk; Load and Save handle the conversion.
type File struct {
	Version      int    `json:"version"`
	ServerURL    string `json:"serverUrl"`     // WebSocket endpoint
	ServerBase   string `json:"serverBaseUrl"` // HTTP base for login/refresh
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	GatewayID    string `json:"gatewayId"`
}

// dirOverride redirects the config directory; tests set it.
var dirOverride string

// Dir returns the gateway config directory.
func Dir() string {
	if dirOverride != "" {
		return dirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentim"
	}
	return filepath.Join(home, ".agentim")
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the gateway config, decrypting tokens. A version 1 file
// (plaintext tokens) is migrated to the encrypted format in place.
// Returns nil when no config exists.
func Load() (*File, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	switch f.Version {
	case 0, 1:
		// Plaintext tokens from a v1 gateway. Rewrite encrypted.
		slog.Info("migrating gateway config to encrypted token storage")
		if err := Save(&f); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		return &f, nil
	case configVersion:
	default:
		return nil, fmt.Errorf("config version %d is newer than this gateway understands", f.Version)
	}

	if f.Token != "" {
		f.Token, err = cryptutil.Decrypt(f.Token)
		if err != nil {
			return nil, fmt.Errorf("decrypt token (config may be from another machine): %w", err)
		}
	}
	if f.RefreshToken != "" {
		f.RefreshToken, err = cryptutil.Decrypt(f.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return &f, nil
}

// Save writes the config with encrypted tokens, 0600 file in a 0700
// directory. The in-memory File keeps plaintext tokens.
func Save(f *File) error {
	if err := os.MkdirAll(Dir(), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if f.GatewayID == "" {
		f.GatewayID = id.Generate()
	}

	onDisk := *f
	onDisk.Version = configVersion
	var err error
	if f.Token != "" {
		onDisk.Token, err = cryptutil.Encrypt(f.Token)
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
	}
	if f.RefreshToken != "" {
		onDisk.RefreshToken, err = cryptutil.Encrypt(f.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write-and-rename so a crash never leaves a truncated config.
	tmp := configPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, configPath()); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	f.Version = configVersion
	return nil
}

// Clear removes the persisted config (logout).
func Clear() error {
	err := os.Remove(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
