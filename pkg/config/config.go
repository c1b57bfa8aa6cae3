// Package config loads and validates the server configuration from file,
// environment variables, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/syncdeck/internal/bytesize"
)

// Config captures the static configuration of the sync server:
//   - Logging behavior
//   - HTTP server settings (bind address, timeouts, base path)
//   - Storage layout (data root holding per-user collections and media)
//   - Session persistence
//   - Authentication database
//   - Payload and collection size limits
//   - Prometheus metrics server
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SYNCDECK_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage configures the on-disk data layout
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Sessions configures session persistence
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`

	// Auth configures the user credential store
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Limits configures payload and collection size caps
	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address
	// Default: 127.0.0.1
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port
	// Default: 27701
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// BasePath is an optional URL prefix mounted in front of the sync
	// endpoints, for deployments behind a shared reverse proxy
	BasePath string `mapstructure:"base_path" yaml:"base_path,omitempty"`

	// ReadTimeout bounds how long reading a request may take
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds how long writing a response may take.
	// Full collection uploads can be slow on large collections, so this
	// defaults higher than typical API servers.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive connection idleness
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// StorageConfig configures the on-disk data layout. Each user gets a
// directory under Root holding collection.anki2, the media folder, and the
// media database.
type StorageConfig struct {
	// Root is the data directory (required)
	Root string `mapstructure:"root" validate:"required" yaml:"root"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	// Path is the session database file
	// Default: <storage.root>/sessions.db
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// AuthConfig configures the user credential store.
type AuthConfig struct {
	// Path is the credential database file
	// Default: <storage.root>/auth.db
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// LimitsConfig configures payload and collection size caps.
type LimitsConfig struct {
	// MaxPayload is the maximum decompressed request body size
	// Default: 100MB
	MaxPayload bytesize.ByteSize `mapstructure:"max_payload" yaml:"max_payload,omitempty"`

	// MaxCollection is the collection size above which clients are forced
	// into a full sync on their next connect
	// Default: 100MB
	MaxCollection bytesize.ByteSize `mapstructure:"max_collection" yaml:"max_collection,omitempty"`

	// MaxMediaFile is the maximum size of a single media file
	// Default: 100MB
	MaxMediaFile bytesize.ByteSize `mapstructure:"max_media_file" yaml:"max_media_file,omitempty"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics server is started.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server is started
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Precedence (highest to lowest): SYNCDECK_* environment variables, the
// configuration file, then defaults. An empty configPath uses the default
// location under the XDG config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  syncdeck init\n\n"+
				"Or specify a custom config file:\n"+
				"  syncdeck <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  syncdeck init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may sit next to credential databases.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures environment variable support and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SYNCDECK_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SYNCDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file is
// not an error; the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration fields.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can use "100MB", "1Gi", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME over ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "syncdeck")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "syncdeck")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init
// command).
func GetConfigDir() string {
	return getConfigDir()
}

// SessionDBPath returns the configured session database path, defaulting to
// sessions.db under the storage root.
func (c *Config) SessionDBPath() string {
	if c.Sessions.Path != "" {
		return c.Sessions.Path
	}
	return filepath.Join(c.Storage.Root, "sessions.db")
}

// AuthDBPath returns the configured credential database path, defaulting to
// auth.db under the storage root.
func (c *Config) AuthDBPath() string {
	if c.Auth.Path != "" {
		return c.Auth.Path
	}
	return filepath.Join(c.Storage.Root, "auth.db")
}

// ListenAddr returns the host:port string for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
