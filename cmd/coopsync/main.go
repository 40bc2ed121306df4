package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in
// $XDG_CONFIG_HOME/coopsync/config.toml.
type Config struct {
	Remote ConfigRemote `toml:"remote"`
	Store  ConfigStore  `toml:"store"`
	Sync   ConfigSync   `toml:"sync"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigRemote describes the server and how connectivity is detected.
type ConfigRemote struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
	// Signal is one of http, realtime, file or always.
	Signal     string `toml:"signal"`
	StatusFile string `toml:"status_file"`
}

// ConfigStore selects the local backend: sqlite, badger or memory.
type ConfigStore struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// ConfigSync holds the engine settings. Durations use Go syntax ("5s").
type ConfigSync struct {
	MaxRetries    int    `toml:"max_retries"`
	PollInterval  string `toml:"poll_interval"`
	RetryInterval string `toml:"retry_interval"`
}

// ConfigLog configures logging. An empty path logs to stderr.
type ConfigLog struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
	JSON  bool   `toml:"json"`
}

const appName = "coopsync"

// ============================================================================
// Config helpers
// ============================================================================

// configFile overrides the default location when set by --config.
var configFile string

// configPath returns the config file path, creating its directory if needed.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir := filepath.Join(xdg.ConfigHome, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// dataDir returns $XDG_DATA_HOME/coopsync, creating it if needed.
func dataDir() (string, error) {
	dir := filepath.Join(xdg.DataHome, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create data directory: %w", err)
	}
	return dir, nil
}

// loadConfig reads the config file, then applies a .env file in the working
// directory and COOPSYNC_* environment overrides. A missing file yields the
// defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		log.Warn("ignoring invalid environment overrides", "err", err)
	}
	return cfg, nil
}

// readConfigFile reads only the file, for commands that write it back.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Remote: ConfigRemote{Timeout: "30s", Signal: "http"},
		Store:  ConfigStore{Backend: "sqlite"},
		Sync:   ConfigSync{MaxRetries: 3, PollInterval: "5s", RetryInterval: "2s"},
		Log:    ConfigLog{Level: "warn"},
	}
}

// saveConfig writes the config struct back to disk as TOML.
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

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	"COOPSYNC_BASE_URL":       "remote.base_url",
	"COOPSYNC_TOKEN":          "remote.token",
	"COOPSYNC_TIMEOUT":        "remote.timeout",
	"COOPSYNC_SIGNAL":         "remote.signal",
	"COOPSYNC_STATUS_FILE":    "remote.status_file",
	"COOPSYNC_STORE_BACKEND":  "store.backend",
	"COOPSYNC_STORE_PATH":     "store.path",
	"COOPSYNC_MAX_RETRIES":    "sync.max_retries",
	"COOPSYNC_POLL_INTERVAL":  "sync.poll_interval",
	"COOPSYNC_RETRY_INTERVAL": "sync.retry_interval",
	"COOPSYNC_LOG_LEVEL":      "log.level",
	"COOPSYNC_LOG_PATH":       "log.path",
}

// applyEnv overrides cfg with every set variable of envKeys. An invalid
// value leaves its field unchanged and is reported in the joined error.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
			}
		}
	}
	return errors.Join(errs...)
}

// setConfigValue sets a config field using dot notation (e.g. "remote.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. remote.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "remote":
		switch field {
		case "base_url":
			cfg.Remote.BaseURL = value
		case "token":
			cfg.Remote.Token = value
		case "timeout":
			if err := checkDuration(value); err != nil {
				return err
			}
			cfg.Remote.Timeout = value
		case "signal":
			switch value {
			case "http", "realtime", "file", "always":
			default:
				return fmt.Errorf("unknown signal %q (valid: http, realtime, file, always)", value)
			}
			cfg.Remote.Signal = value
		case "status_file":
			cfg.Remote.StatusFile = value
		default:
			return fmt.Errorf("unknown field %q in section [remote]", field)
		}
	case "store":
		switch field {
		case "backend":
			switch value {
			case "sqlite", "badger", "memory":
			default:
				return fmt.Errorf("unknown backend %q (valid: sqlite, badger, memory)", value)
			}
			cfg.Store.Backend = value
		case "path":
			cfg.Store.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		switch field {
		case "max_retries":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_retries must be a positive integer")
			}
			cfg.Sync.MaxRetries = n
		case "poll_interval":
			if err := checkDuration(value); err != nil {
				return err
			}
			cfg.Sync.PollInterval = value
		case "retry_interval":
			if err := checkDuration(value); err != nil {
				return err
			}
			cfg.Sync.RetryInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "path":
			cfg.Log.Path = value
		case "json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("json must be true or false")
			}
			cfg.Log.JSON = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: remote, store, sync, log)", section)
	}
	return nil
}

func checkDuration(value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return nil
}

// duration parses value, falling back to def when it is empty or invalid.
func duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "coopsync",
	Short: "Offline-first sync client CLI",
	Long: "Command-line interface for the coopsync client.\n" +
		"Read and write records offline, inspect the sync queue, and replay it against the server.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/coopsync/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
