// Package config holds process-wide gateway settings that are not part of
// any one spell: resolver thresholds and weights, spawn/tool-call timeouts,
// and the idle-turn cleanup threshold. Settings are environment-variable
// driven via viper, with defaults that let a fresh checkout run unconfigured.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// ResolverWeights blends the keyword and vector scores into one combined
// score. Must sum to 1.0 for the combined score to stay in [0, 1].
type ResolverWeights struct {
	Keyword float64
	Vector  float64
}

// ResolverTiers are the decision boundaries described in the resolver's
// tiering rules.
type ResolverTiers struct {
	Activated       float64
	MultipleMatches float64
	WeakMatches      float64
	AmbiguityMargin float64
	MaxAlternatives  int
	MaxKeywordsShown int
	MaxQueryTokens   int
}

// Config is the resolved, process-wide configuration.
type Config struct {
	ResolverWeights ResolverWeights
	ResolverTiers   ResolverTiers

	IdleTurnThreshold int

	StdioSpawnTimeout time.Duration
	HTTPSpawnTimeout  time.Duration
	ToolCallTimeout   time.Duration

	EmbeddingServiceURL string
	EmbeddingDimension  int

	DebounceWindow time.Duration
	LockStaleAfter time.Duration
}

// Default returns the built-in defaults named as design constants by the
// resolver and lifecycle manager specifications.
func Default() *Config {
	return &Config{
		ResolverWeights: ResolverWeights{Keyword: 0.4, Vector: 0.6},
		ResolverTiers: ResolverTiers{
			Activated:        0.85,
			MultipleMatches:  0.65,
			WeakMatches:      0.40,
			AmbiguityMargin:  0.05,
			MaxAlternatives:  5,
			MaxKeywordsShown: 5,
			MaxQueryTokens:   4096,
		},
		IdleTurnThreshold:   5,
		StdioSpawnTimeout:   30 * time.Second,
		HTTPSpawnTimeout:    15 * time.Second,
		ToolCallTimeout:     60 * time.Second,
		EmbeddingServiceURL: "http://127.0.0.1:11434",
		EmbeddingDimension:  384,
		DebounceWindow:      5 * time.Second,
		LockStaleAfter:      5 * time.Second,
	}
}

// Load builds a Config by layering environment variables prefixed
// GRIMOIRE_ over the built-in defaults.
func Load() *Config {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("GRIMOIRE")
	v.AutomaticEnv()

	if v.IsSet("IDLE_TURN_THRESHOLD") {
		cfg.IdleTurnThreshold = v.GetInt("IDLE_TURN_THRESHOLD")
	}
	if v.IsSet("EMBEDDING_SERVICE_URL") {
		cfg.EmbeddingServiceURL = v.GetString("EMBEDDING_SERVICE_URL")
	}
	if v.IsSet("EMBEDDING_DIMENSION") {
		cfg.EmbeddingDimension = v.GetInt("EMBEDDING_DIMENSION")
	}
	if v.IsSet("STDIO_SPAWN_TIMEOUT_SECONDS") {
		cfg.StdioSpawnTimeout = time.Duration(v.GetInt64("STDIO_SPAWN_TIMEOUT_SECONDS")) * time.Second
	}
	if v.IsSet("HTTP_SPAWN_TIMEOUT_SECONDS") {
		cfg.HTTPSpawnTimeout = time.Duration(v.GetInt64("HTTP_SPAWN_TIMEOUT_SECONDS")) * time.Second
	}
	if v.IsSet("TOOL_CALL_TIMEOUT_SECONDS") {
		cfg.ToolCallTimeout = time.Duration(v.GetInt64("TOOL_CALL_TIMEOUT_SECONDS")) * time.Second
	}

	return cfg
}
