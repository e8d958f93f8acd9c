// Package config loads runtime settings from defaults, an optional yaml
// file and KFUSE_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration.
type Config struct {
	Backend   string        `mapstructure:"backend"`
	Driver    string        `mapstructure:"driver"`
	Queues    int           `mapstructure:"queues"`
	GroupSize int           `mapstructure:"group_size"`
	Workers   int           `mapstructure:"workers"`
	DumpDir   string        `mapstructure:"dump_dir"`
	Logging   LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Backend:   "device",
		Driver:    "sim",
		Queues:    8,
		GroupSize: 32,
		Logging: LoggingConfig{
			Level:   "warn",
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults. An empty
// cfgFile searches ./kfuse.yaml and ~/.kfuse/kfuse.yaml; a missing file is
// not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kfuse"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("kfuse")
	}

	v.SetEnvPrefix("KFUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	cfg.DumpDir = expandPath(cfg.DumpDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Validate checks ranges of the process settings. The backend name is
// checked by the runtime, which owns the error type for it.
func (c *Config) Validate() error {
	if c.Queues < 1 {
		return errors.New("queues must be at least 1")
	}
	if c.GroupSize < 1 {
		return errors.New("group_size must be at least 1")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	levels := []string{"trace", "debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", levels)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("driver", cfg.Driver)
	v.SetDefault("queues", cfg.Queues)
	v.SetDefault("group_size", cfg.GroupSize)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("dump_dir", cfg.DumpDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
