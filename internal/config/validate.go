package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
//
// A source with an empty endpoint list is allowed here; the session for it
// fails on start with source.ErrNoEndpoints.
func Validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("no sources configured")
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, s := range cfg.Sources {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("source %q: duplicate name", name)
		}
		seen[name] = true

		for _, ep := range s.Endpoints {
			u, err := url.Parse(ep)
			if err != nil {
				return fmt.Errorf("source %q: endpoint %q: %w", name, ep, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("source %q: endpoint %q: scheme must be http or https", name, ep)
			}
			if u.Host == "" {
				return fmt.Errorf("source %q: endpoint %q: missing host", name, ep)
			}
		}
	}

	if cfg.Stream.ConnectTimeout < 0 {
		return errors.New("stream.connect_timeout must not be negative")
	}
	if cfg.Stream.IdleTimeout < 0 {
		return errors.New("stream.idle_timeout must not be negative")
	}
	if cfg.Stream.Debounce < 0 {
		return errors.New("stream.debounce must not be negative")
	}
	if cfg.Retry.InitialDelay < 0 {
		return errors.New("retry.initial_delay must not be negative")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative (0 means unbounded)")
	}
	if cfg.Status.SnapshotInterval < 0 {
		return errors.New("status.snapshot_interval must not be negative")
	}
	if cfg.Status.Enabled && (cfg.Status.Port <= 0 || cfg.Status.Port > 65535) {
		return fmt.Errorf("status.port %d out of range", cfg.Status.Port)
	}
	return nil
}
