package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for vault-bridge.
//
// NOTE: This file contains credential material (auth token). Always keep it
// chmod 0600.
type Config struct {
	// GatewayWSURL is the websocket endpoint of the runtime gateway.
	GatewayWSURL string `json:"gateway_ws_url"`
	// AuthToken is sent as a Bearer token on the websocket handshake.
	AuthToken string `json:"auth_token,omitempty"`

	// ProjectID scopes session records and the listing API.
	ProjectID string `json:"project_id"`

	// VaultRoot is the directory served by the document tools and the
	// file-protocol variant. If empty, the current working directory.
	VaultRoot string `json:"vault_root,omitempty"`

	// StorePath is the SQLite database for session records.
	// If empty, sessions.sqlite next to the config file.
	StorePath string `json:"store_path,omitempty"`

	// APIListenAddr is the bind address of the HTTP listing API.
	// Empty disables the HTTP surface.
	APIListenAddr string `json:"api_listen_addr,omitempty"`

	// SystemPromptPath optionally points at a prompt override file
	// (markdown, optional YAML frontmatter).
	SystemPromptPath string `json:"system_prompt_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	u := strings.TrimSpace(c.GatewayWSURL)
	if u == "" {
		return errors.New("missing gateway_ws_url")
	}
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("gateway_ws_url must be ws:// or wss://, got %q", u)
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return errors.New("missing project_id")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.vault-bridge/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "vault-bridge.config.json"
	}
	return filepath.Join(home, ".vault-bridge", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = filepath.Join(filepath.Dir(path), "sessions.sqlite")
	}
	if strings.TrimSpace(cfg.VaultRoot) == "" {
		cfg.VaultRoot = "."
	}
	if strings.TrimSpace(cfg.APIListenAddr) == "" {
		cfg.APIListenAddr = "127.0.0.1:8787"
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
