package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// providersFile is the on-disk shape of EMBEDDING_PROVIDERS_FILE:
//
//	default: siliconflow
//	providers:
//	  siliconflow:
//	    model: BAAI/bge-m3
//	    dimension: 1024
//	    requests_per_second: 5
type providersFile struct {
	Default   string                    `yaml:"default"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// applyProvidersFile merges non-zero fields from the YAML file over the
// environment derived provider settings. Unknown provider names are rejected.
func (c *Config) applyProvidersFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read providers file: %w", err)
	}
	var pf providersFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse providers file %s: %w", path, err)
	}

	for name, override := range pf.Providers {
		base, ok := c.Providers[name]
		if !ok {
			return fmt.Errorf("providers file %s: unknown provider %q", path, name)
		}
		c.Providers[name] = mergeProvider(base, override)
	}
	if pf.Default != "" {
		c.DefaultProvider = pf.Default
	}
	return nil
}

func mergeProvider(base, o ProviderConfig) ProviderConfig {
	if o.BaseURL != "" {
		base.BaseURL = o.BaseURL
	}
	if o.APIKey != "" {
		base.APIKey = os.ExpandEnv(o.APIKey)
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.Dimension > 0 {
		base.Dimension = o.Dimension
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.BatchSize > 0 {
		base.BatchSize = o.BatchSize
	}
	if o.Concurrency > 0 {
		base.Concurrency = o.Concurrency
	}
	if o.RequestsPerSecond > 0 {
		base.RequestsPerSecond = o.RequestsPerSecond
	}
	return base
}
