package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// GooseClient generates text through `goose run`, which can front local
// providers such as ollama or lmstudio.
type GooseClient struct {
	command      string
	args         []string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	procMgr      *ProcessManager
}

type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseClient creates a Goose CLI client.
func NewGooseClient(cfg Config, pm *ProcessManager) *GooseClient {
	return &GooseClient{
		command:      cfg.command("goose"),
		args:         cfg.Args,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      pm,
	}
}

// Generate runs one session-less goose invocation.
func (g *GooseClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	cmd := newCommand(ctx, g.command, g.buildArgs(prompt)...)
	cmd.Dir = g.workDir

	stdout, _, err := runCommand(ctx, cmd, g.procMgr)
	if err != nil {
		return "", unavailable(TypeGoose, err)
	}

	text, err := parseGooseResponse(stdout)
	if err != nil {
		return "", unavailable(TypeGoose, err)
	}
	return text, nil
}

func (g *GooseClient) buildArgs(prompt string) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json", "--no-session"}
	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}
	return append(args, g.args...)
}

// parseGooseResponse accepts a single JSON object or JSON lines, joining the
// content of every line that has one.
func parseGooseResponse(data []byte) (string, error) {
	var single gooseResponse
	if err := json.Unmarshal(data, &single); err == nil {
		return single.Content, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lr gooseResponse
		if err := json.Unmarshal([]byte(line), &lr); err == nil && lr.Content != "" {
			contents = append(contents, lr.Content)
		}
	}
	if len(contents) == 0 {
		return "", errors.New("goose output contained no content")
	}
	return strings.Join(contents, "\n"), nil
}
