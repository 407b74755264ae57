package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// tiersFile is the YAML shape for a standalone tier definition file.
type tiersFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadTiers reads a YAML tier file and replaces the configured tier list.
func (c *Config) LoadTiers(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tiers file: %w", err)
	}
	var f tiersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("tiers file %s: %w", path, err)
	}
	if len(f.Tiers) == 0 {
		return fmt.Errorf("tiers file %s: no tiers defined", path)
	}
	c.Tiers = f.Tiers
	return nil
}
