package pipeline

import (
	"github.com/aristath/taskpack/internal/taskpack"
)

// StageOutput is the text one stage produced. Raw is verbatim model output;
// Text is Raw with the stage's end marker removed.
type StageOutput struct {
	Stage string `json:"stage"`
	Raw   string `json:"raw"`
	Text  string `json:"text"`
}

// Artifact is the sanitized JSON of a non-terminal stage that requires JSON.
type Artifact struct {
	Stage string `json:"stage"`
	JSON  string `json:"json"`
}

// RunContext is the state threaded from stage to stage within one run.
// It is owned by a single run and only grows, in declared stage order.
type RunContext struct {
	RunID    string
	WorkItem taskpack.WorkItem

	outputs   []StageOutput
	artifacts []Artifact
}

func newRunContext(runID string, item taskpack.WorkItem) *RunContext {
	return &RunContext{RunID: runID, WorkItem: item}
}

// Output returns the recorded output of the named stage.
func (rc *RunContext) Output(stage string) (StageOutput, bool) {
	for _, o := range rc.outputs {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutput{}, false
}

// Artifact returns the sanitized JSON recorded for the named stage.
func (rc *RunContext) Artifact(stage string) (string, bool) {
	for _, a := range rc.artifacts {
		if a.Stage == stage {
			return a.JSON, true
		}
	}
	return "", false
}

// Outputs returns a copy of all outputs recorded so far, in stage order.
func (rc *RunContext) Outputs() []StageOutput {
	return append([]StageOutput(nil), rc.outputs...)
}

// Artifacts returns a copy of all artifacts recorded so far, in stage order.
func (rc *RunContext) Artifacts() []Artifact {
	return append([]Artifact(nil), rc.artifacts...)
}

func (rc *RunContext) appendOutput(o StageOutput) {
	rc.outputs = append(rc.outputs, o)
}

func (rc *RunContext) appendArtifact(a Artifact) {
	rc.artifacts = append(rc.artifacts, a)
}
