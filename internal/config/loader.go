package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskpack/internal/model"
	"github.com/aristath/taskpack/internal/pipeline"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".taskpack"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths, applies
// environment overrides and validates the result.
// Global: ~/.taskpack/config.{json,yaml,yml}
// Project: .taskpack/config.{json,yaml,yml} (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(globalPath, findConfig(DirName))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns the first existing global config file, or the JSON
// path when none exists yet.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return findConfig(filepath.Join(homeDir, DirName)), nil
}

func findConfig(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
}

// mergeConfigFile decodes path over base. Keys present in the file replace
// the base values; map entries are replaced per key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(base); errors.Is(err, io.EOF) {
			err = nil // empty file
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Environment variables read by ApplyEnv.
const (
	EnvProvider       = "TASKPACK_PROVIDER"
	EnvModel          = "TASKPACK_MODEL"
	EnvCallTimeout    = "TASKPACK_CALL_TIMEOUT"
	EnvJournal        = "TASKPACK_JOURNAL"
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
	EnvGoogleAPIKey   = "GOOGLE_API_KEY"
	EnvGoogleProject  = "GOOGLE_CLOUD_PROJECT"
	EnvGoogleLocation = "GOOGLE_CLOUD_LOCATION"
)

// ApplyEnv overlays environment settings onto cfg. Empty variables are
// ignored. Invalid durations are ignored and left to Validate.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvProvider); v != "" {
		cfg.Provider = v
	}
	if v := getenv(EnvModel); v != "" {
		if p, ok := cfg.Providers[cfg.Provider]; ok {
			p.Model = v
			cfg.Providers[cfg.Provider] = p
		}
	}
	if v := getenv(EnvCallTimeout); v != "" {
		var d Duration
		if err := d.parse(v); err == nil {
			cfg.Pipeline.CallTimeout = d
		}
	}
	if v := getenv(EnvJournal); v != "" {
		cfg.Store.Path = v
	}

	for name, p := range cfg.Providers {
		if p.Type != model.TypeGemini {
			continue
		}
		if v := firstNonEmpty(getenv(EnvGeminiAPIKey), getenv(EnvGoogleAPIKey)); v != "" {
			p.APIKey = v
		}
		if v := getenv(EnvGoogleProject); v != "" {
			p.Project = v
		}
		if v := getenv(EnvGoogleLocation); v != "" {
			p.Location = v
		}
		cfg.Providers[name] = p
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var knownTypes = map[string]bool{
	model.TypeGemini: true,
	model.TypeClaude: true,
	model.TypeCodex:  true,
	model.TypeGoose:  true,
}

var knownStages = map[string]bool{
	pipeline.StageAnalysis:        true,
	pipeline.StageTestDesign:      true,
	pipeline.StagePromptSynthesis: true,
	pipeline.StagePackAssembly:    true,
}

// Validate reports every inconsistency in cfg.
func (c *Config) Validate() error {
	var errs []error
	if _, ok := c.Providers[c.Provider]; !ok {
		errs = append(errs, fmt.Errorf("default provider %q is not configured", c.Provider))
	}
	for name, p := range c.Providers {
		if !knownTypes[p.Type] {
			errs = append(errs, fmt.Errorf("provider %q has unknown type %q", name, p.Type))
		}
	}
	for name, s := range c.Stages {
		if !knownStages[name] {
			errs = append(errs, fmt.Errorf("stages has unknown stage %q (want one of %s, %s, %s, %s)", name,
				pipeline.StageAnalysis, pipeline.StageTestDesign, pipeline.StagePromptSynthesis, pipeline.StagePackAssembly))
		}
		if s.Provider != "" {
			if _, ok := c.Providers[s.Provider]; !ok {
				errs = append(errs, fmt.Errorf("stage %q uses unknown provider %q", name, s.Provider))
			}
		}
		if s.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("stage %q has negative max_tokens", name))
		}
	}
	if c.Pipeline.CallTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.call_timeout must be positive"))
	}
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, errors.New("pipeline.concurrency must be at least 1"))
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.retry.max_attempts must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ModelConfig returns the client settings for the named provider.
func (c *Config) ModelConfig(provider string) (model.Config, error) {
	p, ok := c.Providers[provider]
	if !ok {
		return model.Config{}, fmt.Errorf("unknown provider %q", provider)
	}
	return model.Config{
		Type:     p.Type,
		Command:  p.Command,
		Args:     p.Args,
		Model:    p.Model,
		Provider: p.Provider,
		APIKey:   p.APIKey,
		Project:  p.Project,
		Location: p.Location,
	}, nil
}

// StageProvider returns the provider a stage runs on.
func (c *Config) StageProvider(stage string) string {
	if s, ok := c.Stages[stage]; ok && s.Provider != "" {
		return s.Provider
	}
	return c.Provider
}
