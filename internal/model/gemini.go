package model

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-pro"

// contentGenerator is the slice of *genai.Models the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient generates text with Gemini, either through the Gemini API
// (API key) or Vertex AI (project + location).
type GeminiClient struct {
	models       contentGenerator
	model        string
	systemPrompt string
}

// NewGeminiClient creates a Gemini client. A non-empty cfg.Project selects
// the Vertex AI backend; otherwise cfg.APIKey is required.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Project != "" {
		location := cfg.Location
		if location == "" {
			location = "us-central1"
		}
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: location,
			Backend:  genai.BackendVertexAI,
		}
	} else if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key or Vertex project is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGeminiClient(client.Models, cfg), nil
}

func newGeminiClient(models contentGenerator, cfg Config) *GeminiClient {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		models:       models,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Generate sends a single-turn request and returns the concatenated text
// parts of the first candidate.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if maxTokens > 0 {
		gc.MaxOutputTokens = int32(maxTokens)
	}
	if g.systemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), gc)
	if err != nil {
		return "", unavailable(TypeGemini, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", unavailable(TypeGemini, errors.New("response has no candidates"))
	}
	return resp.Text(), nil
}
