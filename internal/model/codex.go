package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CodexClient generates text through `codex exec --json`, which streams
// newline-delimited events.
type CodexClient struct {
	command string
	args    []string
	workDir string
	model   string
	procMgr *ProcessManager
}

type codexEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Message string `json:"message"`
	Item    *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// NewCodexClient creates a Codex CLI client.
func NewCodexClient(cfg Config, pm *ProcessManager) *CodexClient {
	return &CodexClient{
		command: cfg.command("codex"),
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		model:   cfg.Model,
		procMgr: pm,
	}
}

// Generate runs one non-interactive codex turn and returns the final agent
// message.
func (c *CodexClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	cmd := newCommand(ctx, c.command, c.buildArgs(prompt)...)
	cmd.Dir = c.workDir

	stdout, _, err := runCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return "", unavailable(TypeCodex, err)
	}

	text, err := parseCodexEvents(stdout)
	if err != nil {
		return "", unavailable(TypeCodex, err)
	}
	return text, nil
}

func (c *CodexClient) buildArgs(prompt string) []string {
	args := []string{"exec", prompt, "--json", "--skip-git-repo-check"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return append(args, c.args...)
}

// parseCodexEvents walks the event stream and keeps the last completed
// message. Older CLIs emit TurnCompleted{content}; newer ones emit
// item.completed{item{type:agent_message,text}}.
func parseCodexEvents(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var content string
	var found bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", fmt.Errorf("decode codex event: %w", err)
		}

		switch evt.Type {
		case "TurnCompleted":
			content, found = evt.Content, true
		case "item.completed":
			if evt.Item != nil && evt.Item.Type == "agent_message" {
				content, found = evt.Item.Text, true
			}
		case "error", "turn.failed":
			return "", fmt.Errorf("codex reported an error: %s", evt.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read codex events: %w", err)
	}
	if !found {
		return "", errors.New("codex produced no completed message")
	}
	return content, nil
}
