// Package config provides configuration management for Referent.
// Settings are read from an optional YAML file, overridden by environment
// variables with the REFERENT_ prefix, with sensible defaults for every
// option. Components never read ambient state: the loaded Config is passed
// explicitly into each constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Referent core.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Decay         DecayConfig         `yaml:"decay"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Conflicts     ConflictConfig      `yaml:"conflicts"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	DomainDB      DomainDBConfig      `yaml:"domain_db"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	// Engine selects the backend: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DSN is the data source name. For sqlite this is a file path or
	// file: URI; for postgres a connection string.
	DSN string `yaml:"dsn"`
}

// DecayConfig contains confidence decay parameters (per day). Decay is
// computed at read time; stored confidence is never mutated by decay.
type DecayConfig struct {
	// RateStable is the daily decay rate for global-scope aliases and
	// attribute facts (default: 0.002).
	RateStable float64 `yaml:"rate_stable"`

	// RateContextual is the daily decay rate for user- and context-scoped
	// aliases, which go stale faster (default: 0.02).
	RateContextual float64 `yaml:"rate_contextual"`

	// ValidationThresholdDays is the staleness threshold beyond which a
	// record is flagged for revalidation (default: 90).
	ValidationThresholdDays float64 `yaml:"validation_threshold_days"`

	// ConfidenceFloor is the effective-confidence floor below which a stale
	// record triggers revalidation instead of direct use (default: 0.5).
	ConfidenceFloor float64 `yaml:"confidence_floor"`
}

// ResolverConfig contains resolution pipeline thresholds.
type ResolverConfig struct {
	// ExactAcceptThreshold is the adjusted-confidence bar for accepting a
	// global exact match immediately (default: 0.85).
	ExactAcceptThreshold float64 `yaml:"exact_accept_threshold"`

	// FuzzyTextThreshold is the minimum lexical similarity for fuzzy
	// candidates (default: 0.7).
	FuzzyTextThreshold float64 `yaml:"fuzzy_text_threshold"`

	// FuzzyCandidateLimit caps the candidates kept after fuzzy matching
	// (default: 5).
	FuzzyCandidateLimit int `yaml:"fuzzy_candidate_limit"`

	// CoreferenceCap bounds coreference confidence (default: 0.70).
	CoreferenceCap float64 `yaml:"coreference_cap"`

	// CoreferenceDepth bounds lookback hops over the recent-entity stack
	// (default: 5).
	CoreferenceDepth int `yaml:"coreference_depth"`

	// AcceptThreshold is the single-candidate score bar in the
	// disambiguation stage (default: 0.6).
	AcceptThreshold float64 `yaml:"accept_threshold"`

	// AmbiguityMargin forces disambiguation when the top candidates score
	// within this margin of each other (default: 0.15).
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`

	// ConfidentThreshold forces disambiguation when the top score falls
	// below it (default: 0.65).
	ConfidentThreshold float64 `yaml:"confident_threshold"`

	// LearnedAliasConfidence is the confidence recorded for an alias
	// learned from a disambiguation choice (default: 0.85).
	LearnedAliasConfidence float64 `yaml:"learned_alias_confidence"`

	// ReinforceDelta is the confidence nudge applied on each alias
	// reinforcement (default: 0.02).
	ReinforceDelta float64 `yaml:"reinforce_delta"`
}

// ScoringConfig contains relevance scorer parameters.
type ScoringConfig struct {
	// EpisodicHalfLifeDays is the recency half-life for episodic memory
	// (default: 30).
	EpisodicHalfLifeDays float64 `yaml:"episodic_half_life_days"`

	// SemanticHalfLifeDays is the recency half-life for semantic and
	// summary memory (default: 90).
	SemanticHalfLifeDays float64 `yaml:"semantic_half_life_days"`
}

// ConflictConfig contains conflict detection and resolution parameters.
// The auto-resolve boundaries are tunable heuristics, not fixed law.
type ConflictConfig struct {
	// AutoResolveConfidenceGap is the confidence gap beyond which the
	// higher-confidence fact wins automatically (default: 0.3).
	AutoResolveConfidenceGap float64 `yaml:"auto_resolve_confidence_gap"`

	// AutoResolveRecencyDays is the staleness beyond which an old fact
	// loses to a recent one automatically (default: 180).
	AutoResolveRecencyDays float64 `yaml:"auto_resolve_recency_days"`

	// HighStakesPredicates always escalate instead of auto-resolving.
	HighStakesPredicates []string `yaml:"high_stakes_predicates"`

	// WinnerConfidence is the confidence an externally chosen winner is
	// raised toward (default: 0.95).
	WinnerConfidence float64 `yaml:"winner_confidence"`
}

// ConsolidationConfig contains consolidation engine triggers.
type ConsolidationConfig struct {
	// SessionThreshold triggers consolidation after this many distinct
	// sessions touch an entity (default: 5).
	SessionThreshold int `yaml:"session_threshold"`

	// MemoryThreshold triggers consolidation after this many
	// unconsolidated memories accumulate for an entity (default: 25).
	MemoryThreshold int `yaml:"memory_threshold"`

	// Interval is the elapsed-time schedule between periodic passes
	// (default: 24h).
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single consolidation pass (default: 5m).
	Timeout time.Duration `yaml:"timeout"`

	// MinCorroboration is the corroboration count at and above which an
	// extracted fact must be preserved (default: 2).
	MinCorroboration int `yaml:"min_corroboration"`
}

// DomainDBConfig contains settings for the external domain database client.
type DomainDBConfig struct {
	// SearchRatePerSecond limits lazy discovery searches (default: 10).
	SearchRatePerSecond float64 `yaml:"search_rate_per_second"`

	// SearchBurst is the limiter burst size (default: 5).
	SearchBurst int `yaml:"search_burst"`

	// MaxRetries bounds backoff retries before mapping failure to
	// not-found (default: 3).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the initial backoff delay (default: 100ms).
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// Load reads configuration from an optional YAML file and environment
// variables. A missing file is not an error; env vars override file
// values; defaults fill the rest.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults for every option.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine: "sqlite",
			DSN:    "./data/referent.db",
		},
		Decay: DecayConfig{
			RateStable:              0.002,
			RateContextual:          0.02,
			ValidationThresholdDays: 90,
			ConfidenceFloor:         0.5,
		},
		Resolver: ResolverConfig{
			ExactAcceptThreshold:   0.85,
			FuzzyTextThreshold:     0.7,
			FuzzyCandidateLimit:    5,
			CoreferenceCap:         0.70,
			CoreferenceDepth:       5,
			AcceptThreshold:        0.6,
			AmbiguityMargin:        0.15,
			ConfidentThreshold:     0.65,
			LearnedAliasConfidence: 0.85,
			ReinforceDelta:         0.02,
		},
		Scoring: ScoringConfig{
			EpisodicHalfLifeDays: 30,
			SemanticHalfLifeDays: 90,
		},
		Conflicts: ConflictConfig{
			AutoResolveConfidenceGap: 0.3,
			AutoResolveRecencyDays:   180,
			WinnerConfidence:         0.95,
		},
		Consolidation: ConsolidationConfig{
			SessionThreshold: 5,
			MemoryThreshold:  25,
			Interval:         24 * time.Hour,
			Timeout:          5 * time.Minute,
			MinCorroboration: 2,
		},
		DomainDB: DomainDBConfig{
			SearchRatePerSecond: 10,
			SearchBurst:         5,
			MaxRetries:          3,
			RetryBaseDelay:      100 * time.Millisecond,
		},
	}
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Storage.Engine != "sqlite" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Decay.RateStable < 0 || c.Decay.RateContextual < 0 {
		return fmt.Errorf("config: decay rates must be non-negative")
	}
	if c.Decay.ConfidenceFloor < 0 || c.Decay.ConfidenceFloor > 1 {
		return fmt.Errorf("config: confidence_floor must be in [0,1]")
	}
	if c.Resolver.FuzzyCandidateLimit < 1 {
		return fmt.Errorf("config: fuzzy_candidate_limit must be >= 1")
	}
	if c.Resolver.CoreferenceDepth < 1 {
		return fmt.Errorf("config: coreference_depth must be >= 1")
	}
	if c.Conflicts.AutoResolveConfidenceGap < 0 || c.Conflicts.AutoResolveConfidenceGap > 1 {
		return fmt.Errorf("config: auto_resolve_confidence_gap must be in [0,1]")
	}
	if c.Consolidation.MinCorroboration < 1 {
		return fmt.Errorf("config: min_corroboration must be >= 1")
	}
	return nil
}

// applyEnv overlays REFERENT_-prefixed environment variables.
func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("REFERENT_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DSN = getEnv("REFERENT_STORAGE_DSN", cfg.Storage.DSN)

	cfg.Decay.RateStable = getEnvFloat("REFERENT_DECAY_RATE_STABLE", cfg.Decay.RateStable)
	cfg.Decay.RateContextual = getEnvFloat("REFERENT_DECAY_RATE_CONTEXTUAL", cfg.Decay.RateContextual)
	cfg.Decay.ValidationThresholdDays = getEnvFloat("REFERENT_VALIDATION_THRESHOLD_DAYS", cfg.Decay.ValidationThresholdDays)
	cfg.Decay.ConfidenceFloor = getEnvFloat("REFERENT_CONFIDENCE_FLOOR", cfg.Decay.ConfidenceFloor)

	cfg.Conflicts.AutoResolveConfidenceGap = getEnvFloat("REFERENT_AUTO_RESOLVE_CONFIDENCE_GAP", cfg.Conflicts.AutoResolveConfidenceGap)
	cfg.Conflicts.AutoResolveRecencyDays = getEnvFloat("REFERENT_AUTO_RESOLVE_RECENCY_DAYS", cfg.Conflicts.AutoResolveRecencyDays)

	cfg.Consolidation.SessionThreshold = getEnvInt("REFERENT_CONSOLIDATION_SESSION_THRESHOLD", cfg.Consolidation.SessionThreshold)
	cfg.Consolidation.MemoryThreshold = getEnvInt("REFERENT_CONSOLIDATION_MEMORY_THRESHOLD", cfg.Consolidation.MemoryThreshold)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
