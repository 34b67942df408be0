package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay for the tuning knobs that change
// between deployments more often than code does.
type Profile struct {
	Abuse  *AbuseConfig     `yaml:"abuse"`
	Alerts *AlertThresholds `yaml:"alerts"`
}

// ApplyProfile overlays a YAML profile file onto the config. Missing
// sections leave the existing values untouched.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Abuse != nil {
		c.Abuse = *p.Abuse
	}
	if p.Alerts != nil {
		c.Alerts = *p.Alerts
	}
	return nil
}
