package config

import (
	"time"
)

// DefaultConfig returns the default configuration: Gemini for every stage,
// with the CLI-backed providers available as alternatives.
func DefaultConfig() *Config {
	return &Config{
		Provider: "gemini",
		Providers: map[string]ProviderConfig{
			"gemini": {
				Type:     "gemini",
				Model:    "gemini-2.5-pro",
				Location: "us-central1",
			},
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Stages: map[string]StageConfig{},
		Pipeline: PipelineConfig{
			CallTimeout: Duration(60 * time.Second),
			Concurrency: 4,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: Duration(time.Second),
				MaxInterval:     Duration(10 * time.Second),
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration(30 * time.Second),
				HalfOpenRequests:    3,
			},
		},
	}
}
