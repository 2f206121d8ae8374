package evalgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s"
// or "1m30s". Bare integers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	// Bare integers decode as strings too ("30"), so the tag has to
	// disambiguate before ParseDuration rejects the missing unit.
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value on line %d", node.Line)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value on line %d", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level gateway configuration.
type Config struct {
	// DefaultProvider pins the initial selection. Empty means auto-select.
	DefaultProvider string `yaml:"default_provider"`
	// Prompt overrides the default prompt template for all providers that do
	// not set their own.
	Prompt string `yaml:"prompt"`

	Providers []ProviderConfig `yaml:"providers"`
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment before parsing, so key material can stay out of the file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses YAML config bytes, expanding environment references.
func ParseConfig(raw []byte) (Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural invariants. Missing keys are not an error: an
// unconfigured provider still registers, it is only barred from evaluating.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers defined")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, pc := range c.Providers {
		if pc.ID == "" {
			return fmt.Errorf("config: provider[%d]: id is required", i)
		}
		if pc.Type == "" {
			return fmt.Errorf("config: provider[%d] (%s): type is required", i, pc.ID)
		}
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("config: provider[%d]: duplicate id %q", i, pc.ID)
		}
		seen[pc.ID] = struct{}{}
		if pc.MaxAttempts < 0 {
			return fmt.Errorf("config: provider[%d] (%s): max_attempts must not be negative", i, pc.ID)
		}
		for _, d := range []Duration{pc.KeySpacing, pc.RetryDelay, pc.Timeout} {
			if d < 0 {
				return fmt.Errorf("config: provider[%d] (%s): durations must not be negative", i, pc.ID)
			}
		}
	}
	if c.DefaultProvider != "" {
		if _, ok := seen[c.DefaultProvider]; !ok {
			return fmt.Errorf("config: default_provider %q is not defined", c.DefaultProvider)
		}
	}
	return nil
}
