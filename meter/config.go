// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the static metering configuration, loaded once at process start
type Config struct {
	// Enabled is the master switch; when false nothing is ever recorded
	Enabled bool `yaml:"enabled"`

	// Environments lists execution contexts where tracking is live.
	// An empty list means no environment is live.
	Environments []string `yaml:"environments"`

	// LogEvents controls granular event rows. Rollups are always written
	// when tracking is enabled, regardless of this flag.
	LogEvents bool `yaml:"log_events"`

	// DefaultDimension is charged with quantity 0 when a track request
	// names no dimensions
	DefaultDimension string `yaml:"default_dimension"`

	// Costs is the rate table: dimension name to unit kind and rate parameters
	Costs map[string]DimensionConfig `yaml:"costs"`
}

// EnvironmentAllowed reports whether tracking is live in the given environment
func (c *Config) EnvironmentAllowed(env string) bool {
	for _, e := range c.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Validate checks the parts of the config that can fail fast at load time.
// Per-dimension rate problems are deliberately left to calculation time so a
// bad dimension only breaks the calls that request it.
func (c *Config) Validate() error {
	if c.DefaultDimension == "" {
		return fmt.Errorf("default_dimension is required: %w", ErrInvalidInput)
	}
	if _, ok := c.Costs[c.DefaultDimension]; !ok {
		return fmt.Errorf("default_dimension %q: %w", c.DefaultDimension, ErrDimensionNotConfigured)
	}
	return nil
}

// LoadConfig reads and parses a YAML metering config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metering config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML metering configuration
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse metering config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RateParam is one ordered rate parameter of a dimension config
type RateParam struct {
	Key   string
	Value interface{}
}

// DimensionConfig declares one priced resource axis: its unit kind plus rate
// parameters. Parameter order is preserved as declared in the config file
// because count dimensions resolve their rate from the first per_* key.
type DimensionConfig struct {
	Unit   string
	params []RateParam
}

// NewDimensionConfig builds a dimension config programmatically, preserving
// the given parameter order. Primarily useful for tests and embedders that
// do not load a YAML file.
func NewDimensionConfig(unit string, params ...RateParam) DimensionConfig {
	return DimensionConfig{Unit: unit, params: params}
}

// UnmarshalYAML decodes a dimension config from a YAML mapping, keeping the
// declared key order
func (d *DimensionConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("dimension config must be a mapping, got %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		valNode := node.Content[i+1]

		if key == "unit" {
			if err := valNode.Decode(&d.Unit); err != nil {
				return fmt.Errorf("invalid unit: %w", err)
			}
			continue
		}

		var val interface{}
		if err := valNode.Decode(&val); err != nil {
			return fmt.Errorf("invalid value for %q: %w", key, err)
		}
		d.params = append(d.params, RateParam{Key: key, Value: val})
	}
	return nil
}

// Params returns the rate parameters in declared order
func (d DimensionConfig) Params() []RateParam {
	return d.params
}

// floatParam returns the named parameter as a float64, when present and numeric
func (d DimensionConfig) floatParam(key string) (float64, bool) {
	for _, p := range d.params {
		if p.Key == key {
			return asFloat(p.Value)
		}
	}
	return 0, false
}

// stringParam returns the named parameter as a string, when present
func (d DimensionConfig) stringParam(key string) (string, bool) {
	for _, p := range d.params {
		if p.Key == key {
			if s, ok := p.Value.(string); ok {
				return s, true
			}
			return "", false
		}
	}
	return "", false
}

// mapParam returns the named parameter as a name-to-rate map, when present
func (d DimensionConfig) mapParam(key string) (map[string]float64, bool) {
	for _, p := range d.params {
		if p.Key != key {
			continue
		}
		raw, ok := p.Value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		m := make(map[string]float64, len(raw))
		for k, v := range raw {
			f, ok := asFloat(v)
			if !ok {
				return nil, false
			}
			m[k] = f
		}
		return m, true
	}
	return nil, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
