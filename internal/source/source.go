// Package source describes the remote alarm panels ("homes") the client
// watches and picks which endpoint to use for a given connection attempt.
package source

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoEndpoints is returned when a source has no endpoints configured.
var ErrNoEndpoints = errors.New("source has no endpoints")

// Source is one logical remote site reachable through one or more redundant
// base URLs. Sources are immutable once configuration is loaded.
type Source struct {
	Name          string   `yaml:"name" json:"name"`
	Endpoints     []string `yaml:"endpoints" json:"endpoints"`
	HasAlarm      bool     `yaml:"has_alarm" json:"hasAlarm"`
	HasThermostat bool     `yaml:"has_thermostat" json:"hasThermostat"`
}

// Select returns the endpoint to use for the given attempt index. Successive
// attempts walk the endpoint list round-robin, so a failing endpoint is
// skipped on the next try.
func Select(src Source, attempt int) (string, error) {
	n := len(src.Endpoints)
	if n == 0 {
		return "", fmt.Errorf("%s: %w", src.Name, ErrNoEndpoints)
	}
	i := attempt % n
	if i < 0 {
		i += n
	}
	return src.Endpoints[i], nil
}

// URL joins an endpoint base URL and a resource path.
func URL(endpoint, resource string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(resource, "/")
}

// Set is the ordered list of configured sources.
type Set []Source

// Lookup returns the source with the given name.
func (s Set) Lookup(name string) (Source, bool) {
	for _, src := range s {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// FromURL returns the source owning a request URL, i.e. the first source with
// an endpoint that prefixes it.
func (s Set) FromURL(url string) (Source, bool) {
	for _, src := range s {
		for _, ep := range src.Endpoints {
			if ep != "" && strings.HasPrefix(url, ep) {
				return src, true
			}
		}
	}
	return Source{}, false
}

// Names returns the source names in configuration order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, src := range s {
		names[i] = src.Name
	}
	return names
}
