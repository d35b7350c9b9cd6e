package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the generation-service providers Cadence can
// construct. Used by [Validate] to reject unknown names early.
var ValidProviderNames = []string{
	"openai", "openai-direct", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates the result, and
// applies defaults. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateTier("providers.tier2", cfg.Providers.Tier2)...)
	errs = append(errs, validateTier("providers.tier3", cfg.Providers.Tier3)...)

	if cfg.Engine.DedupThreshold < 0 || cfg.Engine.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.dedup_threshold %.2f is out of range [0, 1]", cfg.Engine.DedupThreshold))
	}
	if cfg.Patterns.FuzzyThreshold < 0 || cfg.Patterns.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("patterns.fuzzy_threshold %.2f is out of range [0, 1]", cfg.Patterns.FuzzyThreshold))
	}

	switch cfg.Brief.Source {
	case "", "file", "postgres":
	default:
		errs = append(errs, fmt.Errorf("brief.source %q is invalid; valid values: file, postgres", cfg.Brief.Source))
	}
	if cfg.Brief.Source == "file" && cfg.Brief.Path == "" {
		errs = append(errs, errors.New("brief.path is required when brief.source is \"file\""))
	}
	if cfg.Brief.Source == "postgres" && cfg.Brief.PostgresDSN == "" {
		errs = append(errs, errors.New("brief.postgres_dsn is required when brief.source is \"postgres\""))
	}

	return errors.Join(errs...)
}

// validateTier checks one tier provider block. An empty tier is allowed:
// the engine runs in pattern-matching-only degraded mode for that tier.
func validateTier(prefix string, tier TierProviderConfig) []error {
	var errs []error

	entries := make([]ProviderEntry, 0, 1+len(tier.Fallbacks))
	if tier.Primary.Name != "" || tier.Primary.Model != "" {
		entries = append(entries, tier.Primary)
	}
	entries = append(entries, tier.Fallbacks...)

	if tier.Primary.Name == "" && len(tier.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("%s.fallbacks set without a primary", prefix))
	}

	for i, e := range entries {
		label := prefix + ".primary"
		if i > 0 {
			label = fmt.Sprintf("%s.fallbacks[%d]", prefix, i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", label))
			continue
		}
		if !slices.Contains(ValidProviderNames, e.Name) {
			errs = append(errs, fmt.Errorf("%s.name %q is not a known provider; valid values: %v", label, e.Name, ValidProviderNames))
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", label))
		}
	}

	return errs
}
