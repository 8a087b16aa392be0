package quotapool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pool configuration.
type Config struct {
	// Defaults fills any limit left unset by a model entry or a backend.
	Defaults QuotaSettings `yaml:"defaults"`

	// Models holds per-model limits, shared by every backend on that model.
	Models []ModelLimits `yaml:"models"`

	Backends []BackendConfig `yaml:"backends"`
}

// ModelLimits assigns quota limits to a model name.
type ModelLimits struct {
	Model string        `yaml:"model"`
	Quota QuotaSettings `yaml:"quota"`
}

// UnmarshalYAML decodes s and records whether raise_on_minute_limit was
// present, so an explicit false overrides a model or default true.
func (s *QuotaSettings) UnmarshalYAML(value *yaml.Node) error {
	type plain QuotaSettings
	if err := value.Decode((*plain)(s)); err != nil {
		return err
	}
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			if value.Content[i].Value == "raise_on_minute_limit" {
				s.raiseSet = true
			}
		}
	}
	return nil
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotapool: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotapool: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("quotapool: config: at least one backend is required")
	}

	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("quotapool: config: models[%d]: model is required", i)
		}
		if models[m.Model] {
			return fmt.Errorf("quotapool: config: duplicate model %q", m.Model)
		}
		models[m.Model] = true
	}

	ids := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("quotapool: config: backends[%d]: id is required", i)
		}
		if ids[b.ID] {
			return fmt.Errorf("quotapool: config: duplicate backend id %q", b.ID)
		}
		ids[b.ID] = true

		if err := c.resolve(b).Quota.Validate(); err != nil {
			return fmt.Errorf("quotapool: config: backends[%d] (%s): %w", i, b.ID, err)
		}
	}

	return nil
}

// BackendConfigs returns the backends with every quota limit resolved:
// the backend's own value wins, then its model's entry, then Defaults.
func (c Config) BackendConfigs() []BackendConfig {
	out := make([]BackendConfig, len(c.Backends))
	for i, b := range c.Backends {
		out[i] = c.resolve(b)
	}
	return out
}

func (c Config) resolve(b BackendConfig) BackendConfig {
	for _, m := range c.Models {
		if m.Model == b.Model {
			b.Quota = b.Quota.Resolve(m.Quota)
			break
		}
	}
	b.Quota = b.Quota.Resolve(c.Defaults)
	return b
}
