package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds harness configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	// Default values for sessions
	Defaults DefaultsConfig `mapstructure:"defaults"`
}

// DefaultsConfig holds default values applied to every session
type DefaultsConfig struct {
	// Adapter is the argv prefix used to spawn targets; "{port}" expands
	// to the allocated protocol port
	Adapter []string `mapstructure:"adapter"`

	// FixtureRoot anchors relative target paths
	FixtureRoot string `mapstructure:"fixture_root"`

	// Timeout bounds each blocking wait (Go duration string)
	Timeout string `mapstructure:"timeout"`

	// PortBase seeds side-channel port picking for server-style targets
	PortBase int `mapstructure:"port_base"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "ndjson",
		Quiet:   false,
		Verbose: false,
		Defaults: DefaultsConfig{
			Adapter:  []string{"python", "-m", "debugpy", "--listen", "127.0.0.1:{port}", "--wait-for-client"},
			Timeout:  "10s",
			PortBase: 8000,
		},
	}
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and type
	v.SetConfigName("daptest")
	v.SetConfigType("yaml")

	// Add config paths (in order of precedence, lowest first)
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "daptest"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(".daptest")
	}
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("DAPTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.BindEnv("format", "DAPTEST_FORMAT")
	v.BindEnv("quiet", "DAPTEST_QUIET")
	v.BindEnv("verbose", "DAPTEST_VERBOSE")
	v.BindEnv("defaults.fixture_root", "DAPTEST_FIXTURE_ROOT")
	v.BindEnv("defaults.timeout", "DAPTEST_TIMEOUT")

	// Set defaults
	cfg := Default()
	v.SetDefault("format", cfg.Format)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("defaults.adapter", cfg.Defaults.Adapter)
	v.SetDefault("defaults.timeout", cfg.Defaults.Timeout)
	v.SetDefault("defaults.port_base", cfg.Defaults.PortBase)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
		// Config file not found; use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
