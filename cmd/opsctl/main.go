package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the operator configuration stored in ~/.opsdash/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
}

// ConfigServer says which opsdash server to talk to.
type ConfigServer struct {
	URL        string `toml:"url"`
	AdminToken string `toml:"admin_token"`
	Timeout    string `toml:"timeout"`
}

const (
	defaultServerURL = "http://localhost:8000"
	defaultTimeout   = 10 * time.Second
)

// configDir returns the path to ~/.opsdash, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".opsdash")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = defaultServerURL
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field by dotted key, e.g. "server.url".
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	if section != "server" {
		return fmt.Errorf("unknown config section %q (valid: server)", section)
	}
	switch field {
	case "url":
		cfg.Server.URL = strings.TrimRight(value, "/")
	case "admin_token":
		cfg.Server.AdminToken = value
	case "timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}
		cfg.Server.Timeout = value
	default:
		return fmt.Errorf("unknown field %q in section [server]", field)
	}
	return nil
}

// timeout returns the configured request timeout.
func (c *Config) timeout() time.Duration {
	if d, err := time.ParseDuration(c.Server.Timeout); err == nil && d > 0 {
		return d
	}
	return defaultTimeout
}

var (
	flagServer string
	flagToken  string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:           "opsctl",
	Short:         "Operate an opsdash server",
	Long:          "Inspect sync state, drain the pending queue and manage caches of a running opsdash server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "server URL (overrides server.url)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "admin token (overrides server.admin_token)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON responses")
}

// newClient builds an API client from the config file and flags.
func newClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.Server.URL = strings.TrimRight(flagServer, "/")
	}
	if flagToken != "" {
		cfg.Server.AdminToken = flagToken
	}
	return newAPIClient(cfg.Server.URL, cfg.Server.AdminToken, cfg.timeout()), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
