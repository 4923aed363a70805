package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig defines a model transport. Several stages may share one
// provider.
type ProviderConfig struct {
	Type     string   `json:"type" yaml:"type"`                             // "gemini", "claude", "codex" or "goose"
	Command  string   `json:"command,omitempty" yaml:"command,omitempty"`   // CLI binary for CLI-backed types
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`         // Extra args appended to every invocation
	Model    string   `json:"model,omitempty" yaml:"model,omitempty"`       // Model override (e.g. "gemini-2.5-pro")
	Provider string   `json:"provider,omitempty" yaml:"provider,omitempty"` // Goose upstream provider
	APIKey   string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Project  string   `json:"project,omitempty" yaml:"project,omitempty"` // Vertex AI project; selects the Vertex backend
	Location string   `json:"location,omitempty" yaml:"location,omitempty"`
}

// StageConfig overrides settings of one canonical stage. Zero values keep
// the built-in stage settings.
type StageConfig struct {
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"` // Key into Providers; defaults to Config.Provider
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	Goal      string `json:"goal,omitempty" yaml:"goal,omitempty"`
}

// RetryConfig controls the boundary retry of runs that failed with an
// unavailable model.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
}

// BreakerConfig controls the per-provider circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests    uint32   `json:"half_open_requests" yaml:"half_open_requests"`
}

// PipelineConfig controls run execution.
type PipelineConfig struct {
	CallTimeout Duration      `json:"call_timeout" yaml:"call_timeout"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"` // Concurrent runs in a batch
	Single      bool          `json:"single,omitempty" yaml:"single,omitempty"`
	Retry       RetryConfig   `json:"retry" yaml:"retry"`
	Breaker     BreakerConfig `json:"breaker" yaml:"breaker"`
}

// StoreConfig locates the run journal. An empty Path disables journaling.
type StoreConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Provider  string                    `json:"provider" yaml:"provider"` // Default provider for every stage
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Stages    map[string]StageConfig    `json:"stages,omitempty" yaml:"stages,omitempty"`
	Pipeline  PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Store     StoreConfig               `json:"store" yaml:"store"`
}

// Duration is a time.Duration written as a string such as "60s" in config
// files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats whole seconds as "60s" and anything finer as
// time.Duration does.
func (d Duration) String() string {
	v := time.Duration(d)
	if v%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(v/time.Second))
	}
	return v.String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
