// Package config loads the proxy's listener, timeout, and per-account
// settings from TOML or YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ro-imap-proxy/internal/policy"
)

type Config struct {
	Server   ServerConfig    `toml:"server" yaml:"server"`
	Accounts []AccountConfig `toml:"accounts" yaml:"accounts"`
}

// ServerConfig bounds the listener's frame sizes and timeouts. Zero values
// fall back to imapwire's and session's own defaults.
type ServerConfig struct {
	Listen               string  `toml:"listen" yaml:"listen"`
	MaxLineBytes         int     `toml:"max_line_bytes" yaml:"max_line_bytes"`
	MaxLiteralBytes      int64   `toml:"max_literal_bytes" yaml:"max_literal_bytes"`
	CommandTimeoutS      int     `toml:"command_timeout_s" yaml:"command_timeout_s"`
	IdleTimeoutS         int     `toml:"idle_timeout_s" yaml:"idle_timeout_s"`
	DrainDeadlineS       int     `toml:"drain_deadline_s" yaml:"drain_deadline_s"`
	MaxCommandsPerSecond float64 `toml:"max_commands_per_second" yaml:"max_commands_per_second"`

	TLSCertFile string `toml:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file" yaml:"tls_key_file"`
	RequireTLS  bool   `toml:"require_tls" yaml:"require_tls"`
}

type AccountConfig struct {
	LocalUser      string `toml:"local_user" yaml:"local_user"`
	LocalPassword  string `toml:"local_password" yaml:"local_password"`
	RemoteHost     string `toml:"remote_host" yaml:"remote_host"`
	RemotePort     int    `toml:"remote_port" yaml:"remote_port"`
	RemoteUser     string `toml:"remote_user" yaml:"remote_user"`
	RemotePassword string `toml:"remote_password" yaml:"remote_password"`
	RemoteTLS      bool   `toml:"remote_tls" yaml:"remote_tls"`
	RemoteStartTLS bool   `toml:"remote_starttls" yaml:"remote_starttls"`

	AllowedFolders  []string `toml:"allowed_folders" yaml:"allowed_folders"`
	BlockedFolders  []string `toml:"blocked_folders" yaml:"blocked_folders"`
	WritableFolders []string `toml:"writable_folders" yaml:"writable_folders"`
}

// FolderRules builds the standalone policy.FolderRules the gate evaluates
// commands against; config stores the raw lists, policy owns the matching
// semantics.
func (a AccountConfig) FolderRules() policy.FolderRules {
	return policy.NewFolderRules(a.AllowedFolders, a.BlockedFolders, a.WritableFolders)
}

// Load reads a config file, dispatching to the TOML or YAML decoder by
// file extension (.yaml/.yml use YAML; anything else is treated as TOML,
// matching the teacher's sole format).
func Load(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadTOML(path)
	}
}

func loadTOML(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadYAML parses the same schema as Load's TOML path, for operators
// migrating a YAML-configured relay (the ctolnik-Proxy-Mail shape).
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.RequireTLS && (cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "") {
		return fmt.Errorf("config: require_tls set without tls_cert_file/tls_key_file")
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		if seen[acct.LocalUser] {
			return fmt.Errorf("config: duplicate local_user %q", acct.LocalUser)
		}
		seen[acct.LocalUser] = true

		if acct.RemoteTLS && acct.RemoteStartTLS {
			return fmt.Errorf("config: account %q: remote_tls and remote_starttls cannot both be true", cfg.Accounts[i].LocalUser)
		}

		if len(acct.AllowedFolders) > 0 && len(acct.BlockedFolders) > 0 {
			return fmt.Errorf("config: account %q: allowed_folders and blocked_folders cannot both be set", cfg.Accounts[i].LocalUser)
		}

		rules := acct.FolderRules()
		for _, wf := range acct.WritableFolders {
			if !rules.Allowed(wf) {
				return fmt.Errorf("config: account %q: writable folder %q is not allowed by folder filter", acct.LocalUser, wf)
			}
		}
	}
	return nil
}

// LookupUser returns the AccountConfig for the given username, or nil if
// not found.
func (c *Config) LookupUser(username string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].LocalUser == username {
			return &c.Accounts[i]
		}
	}
	return nil
}
