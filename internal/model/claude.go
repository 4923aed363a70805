package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ClaudeClient generates text through the Claude Code CLI in print mode.
// Every call is a fresh, session-less invocation.
type ClaudeClient struct {
	command      string
	args         []string
	workDir      string
	model        string
	systemPrompt string
	procMgr      *ProcessManager
}

// claudeResponse covers both shapes the CLI has emitted for
// --output-format json: a plain string result, and a content-block object.
type claudeResponse struct {
	Type    string          `json:"type"`
	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeClient creates a Claude CLI client.
func NewClaudeClient(cfg Config, pm *ProcessManager) *ClaudeClient {
	return &ClaudeClient{
		command:      cfg.command("claude"),
		args:         cfg.Args,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      pm,
	}
}

// Generate runs one print-mode invocation. The CLI has no output token
// limit flag, so maxTokens is not forwarded.
func (c *ClaudeClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	cmd := newCommand(ctx, c.command, c.buildArgs(prompt)...)
	cmd.Dir = c.workDir

	stdout, _, err := runCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return "", unavailable(TypeClaude, err)
	}

	text, err := parseClaudeResponse(stdout)
	if err != nil {
		return "", unavailable(TypeClaude, err)
	}
	return text, nil
}

func (c *ClaudeClient) buildArgs(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if c.systemPrompt != "" {
		args = append(args, "--system-prompt", c.systemPrompt)
	}
	return append(args, c.args...)
}

// parseClaudeResponse extracts the completion text from the CLI envelope.
// An envelope flagged is_error is reported as a failure.
func parseClaudeResponse(data []byte) (string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(bytes.TrimSpace(data), &cr); err != nil {
		return "", fmt.Errorf("decode claude envelope: %w", err)
	}

	var text string
	if len(cr.Result) > 0 {
		if err := json.Unmarshal(cr.Result, &text); err != nil {
			var blocks claudeContent
			if err := json.Unmarshal(cr.Result, &blocks); err != nil {
				return "", fmt.Errorf("decode claude result: %w", err)
			}
			var sb strings.Builder
			for _, item := range blocks.Content {
				if item.Type == "text" {
					sb.WriteString(item.Text)
				}
			}
			text = sb.String()
		}
	}

	if cr.IsError {
		return "", fmt.Errorf("claude reported an error: %s", text)
	}
	return text, nil
}
