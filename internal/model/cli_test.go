package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// fakeCLI returns the absolute path of the scripted stand-in CLI.
func fakeCLI(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", "fake-cli.sh"))
	if err != nil {
		t.Fatalf("resolving fake CLI: %v", err)
	}
	return path
}

func TestClaudeClient_BuildArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "minimal",
			cfg:  Config{Type: TypeClaude},
			want: []string{"-p", "Hello", "--output-format", "json"},
		},
		{
			name: "model and system prompt",
			cfg:  Config{Type: TypeClaude, Model: "opus-4", SystemPrompt: "Be terse."},
			want: []string{"-p", "Hello", "--output-format", "json", "--model", "opus-4", "--system-prompt", "Be terse."},
		},
		{
			name: "extra args last",
			cfg:  Config{Type: TypeClaude, Args: []string{"--verbose"}},
			want: []string{"-p", "Hello", "--output-format", "json", "--verbose"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClaudeClient(tt.cfg, nil).buildArgs("Hello")
			if !slices.Equal(got, tt.want) {
				t.Errorf("buildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseClaudeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "string result",
			input: `{"type":"result","is_error":false,"result":"{\"a\":1}","session_id":"s"}`,
			want:  `{"a":1}`,
		},
		{
			name:  "content blocks",
			input: `{"session_id":"s","result":{"content":[{"type":"text","text":"Hello "},{"type":"tool_use"},{"type":"text","text":"world"}]}}`,
			want:  "Hello world",
		},
		{
			name:  "missing result",
			input: `{"type":"result"}`,
			want:  "",
		},
		{
			name:    "error envelope",
			input:   `{"type":"result","is_error":true,"result":"Credit balance is too low"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `Error: not logged in`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClaudeResponse([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaudeClient_GenerateReturnsTextVerbatim(t *testing.T) {
	t.Setenv("FAKE_CLI_OUTPUT", "{\"type\":\"result\",\"result\":\"```json\\n{\\\"a\\\":1}\\n```\"}")

	c := NewClaudeClient(Config{Command: fakeCLI(t)}, nil)
	got, err := c.Generate(context.Background(), "prompt", 100)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	// Fences are the extractor's job, never the client's.
	if want := "```json\n{\"a\":1}\n```"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestClaudeClient_GenerateFailureIsUnavailable(t *testing.T) {
	t.Setenv("FAKE_CLI_EXIT", "1")
	t.Setenv("FAKE_CLI_STDERR", "rate limited")

	c := NewClaudeClient(Config{Command: fakeCLI(t)}, nil)
	_, err := c.Generate(context.Background(), "prompt", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestClaudeClient_MissingBinaryIsUnavailable(t *testing.T) {
	c := NewClaudeClient(Config{Command: filepath.Join(t.TempDir(), "no-such-cli")}, nil)
	_, err := c.Generate(context.Background(), "prompt", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCodexClient_BuildArgs(t *testing.T) {
	got := NewCodexClient(Config{Model: "gpt-5"}, nil).buildArgs("Write tests")
	want := []string{"exec", "Write tests", "--json", "--skip-git-repo-check", "--model", "gpt-5"}
	if !slices.Equal(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestParseCodexEvents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name: "legacy turn completed",
			input: `{"type":"ThreadStarted","thread_id":"t-1"}
{"type":"TurnCompleted","content":"done"}`,
			want: "done",
		},
		{
			name: "item completed keeps last agent message",
			input: `{"type":"thread.started","thread_id":"t-1"}
{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"type":"agent_message","text":"first"}}

{"type":"item.completed","item":{"type":"agent_message","text":"second"}}
{"type":"turn.completed"}`,
			want: "second",
		},
		{
			name:    "no message",
			input:   `{"type":"thread.started"}`,
			wantErr: true,
		},
		{
			name:    "error event",
			input:   `{"type":"error","message":"usage limit reached"}`,
			wantErr: true,
		},
		{
			name:    "malformed line",
			input:   `{"type":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCodexEvents([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodexClient_Generate(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("FAKE_CLI_ARGS_FILE", argsFile)
	t.Setenv("FAKE_CLI_OUTPUT", `{"type":"item.completed","item":{"type":"agent_message","text":"hi"}}`)

	c := NewCodexClient(Config{Command: fakeCLI(t)}, nil)
	got, err := c.Generate(context.Background(), "say hi", 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "hi" {
		t.Errorf("got %q, want %q", got, "hi")
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("reading recorded args: %v", err)
	}
	if !strings.Contains(string(data), "say hi\n") {
		t.Errorf("prompt not passed to CLI, args:\n%s", data)
	}
}

func TestGooseClient_BuildArgs(t *testing.T) {
	cfg := Config{Provider: "ollama", Model: "qwen2.5-coder", SystemPrompt: "You design tests."}
	got := NewGooseClient(cfg, nil).buildArgs("Go")
	want := []string{
		"run", "--text", "Go", "--output-format", "json", "--no-session",
		"--provider", "ollama", "--model", "qwen2.5-coder", "--system", "You design tests.",
	}
	if !slices.Equal(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestParseGooseResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "single object", input: `{"content":"hello"}`, want: "hello"},
		{name: "json lines", input: "{\"content\":\"a\"}\nnoise\n{\"content\":\"\"}\n{\"content\":\"b\"}\n", want: "a\nb"},
		{name: "plain text", input: "just text", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGooseResponse([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
