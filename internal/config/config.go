// Package config provides the configuration schema and loader for the Cadence
// coaching server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a [time.Duration] that unmarshals from Go duration strings
// in YAML (e.g. "800ms", "2s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// String formats the duration like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the Cadence server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Cadence.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Engine    EngineConfig    `yaml:"engine"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Brief     BriefConfig     `yaml:"brief"`
}

// ServerConfig holds network and logging settings for the Cadence server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the generation-service providers backing the two
// AI suggestion tiers. Each tier may carry ordered fallbacks that are tried
// when the primary fails or its circuit breaker is open.
type ProvidersConfig struct {
	Tier2 TierProviderConfig `yaml:"tier2"`
	Tier3 TierProviderConfig `yaml:"tier3"`
}

// TierProviderConfig is the provider block for one suggestion tier.
type TierProviderConfig struct {
	// Primary is the first provider tried for this tier.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry selects and configures a single LLM provider.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic",
	// "ollama"). The special name "openai-direct" uses the native OpenAI SDK
	// client instead of the any-llm bridge.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// EngineConfig holds pipeline tuning knobs. Zero values are replaced with the
// defaults documented per field.
type EngineConfig struct {
	// Tier2Budget is the latency budget for the contextual reframer.
	// Default: 800ms.
	Tier2Budget Duration `yaml:"tier2_budget"`

	// Tier3Budget is the latency budget for the strategic analyzer.
	// Default: 2s.
	Tier3Budget Duration `yaml:"tier3_budget"`

	// MaxStaleness is how many conversation generations a tier result may lag
	// behind before it is discarded. Default: 3.
	MaxStaleness int `yaml:"max_staleness"`

	// WindowSize is how many final segments the conversation state retains.
	// Default: 50.
	WindowSize int `yaml:"window_size"`

	// DisplayWindow is the number of most recent suggestions the aggregator
	// keeps live for display. Default: 5.
	DisplayWindow int `yaml:"display_window"`

	// Tier1OnInterim enables pattern matching on interim (non-final) segments.
	Tier1OnInterim bool `yaml:"tier1_on_interim"`

	// Tier3MaxFailures is the number of consecutive strategic-tier failures
	// before the tier is disabled for the remainder of the call. Default: 3.
	Tier3MaxFailures int `yaml:"tier3_max_failures"`

	// DedupThreshold is the Jaro-Winkler similarity above which near-identical
	// suggestion texts from different segments are collapsed. 0 disables the
	// fuzzy collapse. Suggested value: 0.92.
	DedupThreshold float64 `yaml:"dedup_threshold"`

	// SubscriberBuffer is the per-subscriber delivery channel capacity.
	// Default: 16.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// PatternsConfig locates the tactical pattern library for the inline tier.
type PatternsConfig struct {
	// LibraryPath is a YAML file of pattern entries. Empty means the built-in
	// default library.
	LibraryPath string `yaml:"library_path"`

	// FuzzyThreshold is the Jaro-Winkler similarity required for fuzzy phrase
	// predicates to fire. Default: 0.88.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// BriefConfig selects the pre-call brief source used to seed MEDDIC state.
type BriefConfig struct {
	// Source is "file", "postgres", or "" (no briefs).
	Source string `yaml:"source"`

	// Path is the YAML brief file when Source is "file".
	Path string `yaml:"path"`

	// PostgresDSN is the connection string when Source is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ApplyDefaults fills zero-valued engine knobs with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Engine.Tier2Budget <= 0 {
		c.Engine.Tier2Budget = Duration(800 * time.Millisecond)
	}
	if c.Engine.Tier3Budget <= 0 {
		c.Engine.Tier3Budget = Duration(2 * time.Second)
	}
	if c.Engine.MaxStaleness <= 0 {
		c.Engine.MaxStaleness = 3
	}
	if c.Engine.WindowSize <= 0 {
		c.Engine.WindowSize = 50
	}
	if c.Engine.DisplayWindow <= 0 {
		c.Engine.DisplayWindow = 5
	}
	if c.Engine.Tier3MaxFailures <= 0 {
		c.Engine.Tier3MaxFailures = 3
	}
	if c.Engine.SubscriberBuffer <= 0 {
		c.Engine.SubscriberBuffer = 16
	}
	if c.Patterns.FuzzyThreshold <= 0 {
		c.Patterns.FuzzyThreshold = 0.88
	}
}
