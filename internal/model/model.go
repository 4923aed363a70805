// Package model wraps external text-generation services behind a single
// Generate call. Clients hold connection settings only; every call is
// independent and nothing is retried or rewritten here.
package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks transport, quota and timeout failures talking to a
// generator. Adapters wrap their failures so errors.Is(err, ErrUnavailable)
// holds for every error they return.
var ErrUnavailable = errors.New("model unavailable")

// Client is the capability the pipeline consumes.
type Client interface {
	// Generate sends prompt to the model and returns its text verbatim.
	// maxTokens bounds the completion where the provider supports it;
	// zero leaves the provider default.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ClientFunc adapts a plain function to Client.
type ClientFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

// New creates a client based on cfg.Type.
// The ProcessManager is only used by CLI-backed clients and may be nil.
func New(ctx context.Context, cfg Config, pm *ProcessManager) (Client, error) {
	switch cfg.Type {
	case TypeGemini:
		return NewGeminiClient(ctx, cfg)
	case TypeClaude:
		return NewClaudeClient(cfg, pm), nil
	case TypeCodex:
		return NewCodexClient(cfg, pm), nil
	case TypeGoose:
		return NewGooseClient(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown model type: %q", cfg.Type)
	}
}

func unavailable(provider string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, provider, err)
}
