// Package config loads connector configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/pgrelay/pgrelay/pkg/pipeline"
	"github.com/pgrelay/pgrelay/pkg/source"
	"github.com/pgrelay/pgrelay/pkg/transform"
)

// Version is set at build time.
var Version = "dev"

// Config holds the full connector configuration, resolved once at startup
// and immutable afterwards.
type Config struct {
	// Name is the logical identity of this pipeline instance.
	Name string `mapstructure:"name"`
	// TopicPrefix is prepended to schema.table when deriving destination
	// topics.
	TopicPrefix string `mapstructure:"topicPrefix"`

	Source  source.Config `mapstructure:"source"`
	Offsets OffsetsConfig `mapstructure:"offsets"`

	Transforms []transform.Spec          `mapstructure:"transforms"`
	Predicates []transform.PredicateSpec `mapstructure:"predicates"`

	Sinks []SinkConfig `mapstructure:"sinks"`

	Retry   pipeline.RetryConfig `mapstructure:"retry"`
	Metrics MetricsConfig        `mapstructure:"metrics"`
}

// OffsetsConfig selects and locates the offset storage backend.
type OffsetsConfig struct {
	// Backend is "pebble" (durable) or "memory" (offsets lost on restart).
	Backend string `mapstructure:"backend"`
	// Path is the pebble database directory; unused for memory.
	Path string `mapstructure:"path"`
}

// SinkConfig names one sink instance and its connector-specific settings.
type SinkConfig struct {
	Name      string         `mapstructure:"name"`
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgrelay")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGRELAY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that viper cannot express.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connector name is required")
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("topicPrefix is required")
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("at least one sink is required")
	}
	switch c.Offsets.Backend {
	case "", "pebble", "memory":
	default:
		return fmt.Errorf("unknown offsets backend: %s", c.Offsets.Backend)
	}
	if c.Offsets.Backend != "memory" && c.Offsets.Path == "" {
		return fmt.Errorf("offsets path is required for the pebble backend")
	}
	return nil
}
