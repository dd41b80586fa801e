package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alarmbot/homewatch/internal/source"
)

type Config struct {
	Token   string          `yaml:"token"`
	Sources []source.Source `yaml:"sources"`
	Stream  StreamConfig    `yaml:"stream"`
	Retry   RetryConfig     `yaml:"retry"`
	Status  StatusConfig    `yaml:"status"`
}

type StreamConfig struct {
	Resource       string        `yaml:"resource"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	Debounce       time.Duration `yaml:"debounce"`
}

type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type StatusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// SnapshotInterval resends the full state to websocket clients; 0 disables.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			Resource:       "alarm",
			ConnectTimeout: 10 * time.Second,
			Debounce:       100 * time.Millisecond,
		},
		Retry: RetryConfig{
			InitialDelay: time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,

			SnapshotInterval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. It does not validate;
// call Validate on the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SourceSet returns the configured sources.
func (c *Config) SourceSet() source.Set {
	return source.Set(c.Sources)
}

// AlarmSources returns the sources that publish an alarm stream.
func (c *Config) AlarmSources() []source.Source {
	var out []source.Source
	for _, s := range c.Sources {
		if s.HasAlarm {
			out = append(out, s)
		}
	}
	return out
}
