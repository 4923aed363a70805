package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskpack/internal/model"
	"github.com/aristath/taskpack/internal/taskpack"
)

// PromptFunc builds the prompt for stage s from the state of the run so far.
type PromptFunc func(s Stage, rc *RunContext) (string, error)

// Stage is one role-specialized model call. Stages are immutable once built
// and may be shared by concurrent runs.
type Stage struct {
	Name string
	Role string
	Goal string

	Prompt PromptFunc
	// RequiresJSON marks stages whose output must sanitize to parseable JSON.
	// The last stage of a pipeline always requires JSON.
	RequiresJSON bool
	// MaxTokens is passed to the model. Zero leaves the limit to the model.
	MaxTokens int
	// Needs lists stages whose output the prompt reads. Every entry must be
	// declared earlier in the pipeline.
	Needs []string
	// EndMarker, when set, is the line the output is expected to end with.
	// It is removed from StageOutput.Text.
	EndMarker string
	// Client overrides the orchestrator's client for this stage.
	Client model.Client
}

type promptData struct {
	Stage    Stage
	WorkItem taskpack.WorkItem
	Prior    []StageOutput
	// Artifacts holds the sanitized JSON of earlier JSON stages.
	Artifacts []Artifact
}

// promptHelpers is parsed into every template. "prior" renders all outputs
// recorded before the stage, verbatim and in order.
const promptHelpers = `{{define "prior"}}{{range .Prior}}### Output of {{.Stage}}
{{.Raw}}

{{end}}{{end}}`

// ParseTemplate compiles text into a PromptFunc. The template sees .Stage,
// .WorkItem, .Prior and .Artifacts and can call {{template "prior" .}}.
func ParseTemplate(name, text string) (PromptFunc, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(promptHelpers + text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return func(s Stage, rc *RunContext) (string, error) {
		var b strings.Builder
		data := promptData{Stage: s, WorkItem: rc.WorkItem, Prior: rc.Outputs(), Artifacts: rc.Artifacts()}
		if err := tmpl.Execute(&b, data); err != nil {
			return "", fmt.Errorf("render prompt %s: %w", name, err)
		}
		return b.String(), nil
	}, nil
}

// MustTemplate is like ParseTemplate but panics on a parse error.
func MustTemplate(name, text string) PromptFunc {
	fn, err := ParseTemplate(name, text)
	if err != nil {
		panic(err)
	}
	return fn
}

// ValidateStages checks that stages form a runnable pipeline: at least one
// stage, unique names, a prompt on every stage, a JSON-producing last stage,
// and Needs that only point backwards.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return errors.New("pipeline has no stages")
	}

	index := make(map[string]int, len(stages))
	var errs []error
	for i, s := range stages {
		switch {
		case strings.TrimSpace(s.Name) == "":
			errs = append(errs, fmt.Errorf("stage %d has no name", i))
			continue
		case s.Prompt == nil:
			errs = append(errs, fmt.Errorf("stage %s has no prompt", s.Name))
		case s.MaxTokens < 0:
			errs = append(errs, fmt.Errorf("stage %s has negative max tokens", s.Name))
		}
		if _, dup := index[s.Name]; dup {
			errs = append(errs, fmt.Errorf("stage %s is declared twice", s.Name))
			continue
		}
		index[s.Name] = i
	}
	if last := stages[len(stages)-1]; !last.RequiresJSON {
		errs = append(errs, fmt.Errorf("last stage %s must require JSON", last.Name))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	var edges []toposort.Edge
	for i, s := range stages {
		if len(s.Needs) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Name})
			continue
		}
		for _, need := range s.Needs {
			at, ok := index[need]
			if !ok {
				errs = append(errs, fmt.Errorf("stage %s needs unknown stage %s", s.Name, need))
				continue
			}
			if at >= i {
				errs = append(errs, fmt.Errorf("stage %s needs %s, which runs after it", s.Name, need))
			}
			edges = append(edges, toposort.Edge{need, s.Name})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		errs = append(errs, fmt.Errorf("stage needs contain a cycle: %w", err))
	}
	return errors.Join(errs...)
}

// TrimEndMarker removes a trailing marker line and surrounding whitespace.
// Text without the marker is returned unchanged.
func TrimEndMarker(text, marker string) string {
	if marker == "" {
		return text
	}
	trimmed := strings.TrimRight(text, " \t\r\n")
	if !strings.HasSuffix(trimmed, marker) {
		return text
	}
	return strings.TrimRight(strings.TrimSuffix(trimmed, marker), " \t\r\n")
}
