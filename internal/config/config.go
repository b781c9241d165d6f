package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// relPath is the location of the config file below the XDG config directories
const relPath = "wipsync/config.yaml"

// Defaults
const (
	DefaultGitBinary     = "git"
	DefaultRemote        = "origin"
	DefaultIdentityName  = "wipsync"
	DefaultIdentityEmail = "(no email)"
	DefaultParallel      = 4
)

// Config represents the complete wipsync configuration
type Config struct {
	// SyncDir is the shared folder bundles are written to and read from
	SyncDir  string         `yaml:"sync_dir"`
	Git      GitConfig      `yaml:"git"`
	Identity IdentityConfig `yaml:"identity"`
	Collect  CollectConfig  `yaml:"collect"`
	Bundles  BundlesConfig  `yaml:"bundles"`
	Auth     AuthConfig     `yaml:"auth"`
}

// GitConfig configures how git is invoked
type GitConfig struct {
	Binary string `yaml:"binary"`
	// Remote names the remote that identifies repositories and is fetched from
	Remote string `yaml:"remote"`
}

// IdentityConfig is the author recorded on backup stashes
type IdentityConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// CollectConfig configures diff collection
type CollectConfig struct {
	// Parallel bounds the number of concurrent diff invocations
	Parallel int `yaml:"parallel"`
}

// BundlesConfig configures bundle housekeeping
type BundlesConfig struct {
	// Keep is the number of bundles kept after a save; 0 keeps all
	Keep int `yaml:"keep"`
}

// AuthConfig configures Git authentication for fetch and pull
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Override adjusts a configuration after parsing and before validation,
// e.g. with values from command line flags.
type Override func(*Config)

// WithSyncDir overrides sync_dir when dir is not empty
func WithSyncDir(dir string) Override {
	return func(c *Config) {
		if dir == "" {
			return
		}
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		c.SyncDir = dir
	}
}

// Load reads and parses the configuration file
func Load(path string, overrides ...Override) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg.finish(overrides)
}

// Default returns the configuration used when no config file exists
func Default(overrides ...Override) (*Config, error) {
	var cfg Config
	return cfg.finish(overrides)
}

func (c *Config) finish(overrides []Override) (*Config, error) {
	// Expand environment variables in string fields
	c.expandEnv()

	for _, o := range overrides {
		o(c)
	}

	// Apply defaults
	c.applyDefaults()

	// Validate
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

// DefaultPath returns the path of the user config file, whether or not it exists
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, filepath.FromSlash(relPath))
}

// Find looks for a config file in the XDG config directories
func Find() (string, bool) {
	path, err := xdg.SearchConfigFile(relPath)
	if err != nil {
		return "", false
	}
	return path, true
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.SyncDir = os.ExpandEnv(c.SyncDir)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Git.Binary == "" {
		c.Git.Binary = DefaultGitBinary
	}
	if c.Git.Remote == "" {
		c.Git.Remote = DefaultRemote
	}
	if c.Identity.Name == "" {
		c.Identity.Name = DefaultIdentityName
	}
	if c.Identity.Email == "" {
		c.Identity.Email = DefaultIdentityEmail
	}
	if c.Collect.Parallel == 0 {
		c.Collect.Parallel = DefaultParallel
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.SyncDir == "" {
		return errors.New("sync_dir is required (set it in the config file or pass --sync-dir)")
	}
	if !filepath.IsAbs(c.SyncDir) {
		return fmt.Errorf("sync_dir must be an absolute path: %s", c.SyncDir)
	}

	if c.Collect.Parallel < 1 {
		return fmt.Errorf("collect.parallel must be at least 1, got %d", c.Collect.Parallel)
	}
	if c.Bundles.Keep < 0 {
		return fmt.Errorf("bundles.keep must not be negative, got %d", c.Bundles.Keep)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
