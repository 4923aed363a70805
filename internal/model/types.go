package model

// Supported client types.
const (
	TypeGemini = "gemini"
	TypeClaude = "claude"
	TypeCodex  = "codex"
	TypeGoose  = "goose"
)

// Config defines the connection settings for a client.
type Config struct {
	Type         string   // "gemini", "claude", "codex" or "goose"
	Command      string   // CLI binary override for CLI-backed types
	Args         []string // Extra args appended to every CLI invocation
	WorkDir      string
	Model        string
	Provider     string // Goose provider (e.g. "ollama", "lmstudio")
	SystemPrompt string

	// Gemini only. Project switches the client to the Vertex AI backend.
	APIKey   string
	Project  string
	Location string
}

func (c Config) command(fallback string) string {
	if c.Command != "" {
		return c.Command
	}
	return fallback
}
