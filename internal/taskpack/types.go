// Package taskpack defines the work item input and the Task Pack artifact,
// and validates model output against the Task Pack shape.
package taskpack

import (
	"errors"
	"strings"
)

// ErrInvalidWorkItem is returned for a work item with an empty ID or
// description.
var ErrInvalidWorkItem = errors.New("invalid work item")

// WorkItem is the immutable pipeline input.
type WorkItem struct {
	ID          string `json:"work_item_id"`
	Description string `json:"description"`
}

// Validate checks that both fields are non-blank.
func (w WorkItem) Validate() error {
	switch {
	case strings.TrimSpace(w.ID) == "":
		return errors.Join(ErrInvalidWorkItem, errors.New("id is empty"))
	case strings.TrimSpace(w.Description) == "":
		return errors.Join(ErrInvalidWorkItem, errors.New("description is empty"))
	}
	return nil
}

// Status is a task's workflow state. The JSON form is the human-readable
// label ("To Do", "In Progress", "Done").
type Status string

const (
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// ParseStatus maps a status label to a Status. Both the spaced labels and
// their unspaced spellings are accepted.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "To Do", "ToDo":
		return StatusToDo, true
	case "In Progress", "InProgress":
		return StatusInProgress, true
	case "Done":
		return StatusDone, true
	}
	return "", false
}

// Test categories. Unit, integration and e2e are required in every task.
const (
	CategoryUnit        = "unit"
	CategoryIntegration = "integration"
	CategoryE2E         = "e2e"
	CategoryManual      = "manual"
)

// RequiredCategories lists the test categories every task must carry.
var RequiredCategories = []string{CategoryUnit, CategoryIntegration, CategoryE2E}

// Tests maps a test category to its ordered test code or specs.
type Tests map[string][]string

// Task is one entry of a Task Pack.
type Task struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Status             Status   `json:"status"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Tests              Tests    `json:"tests"`
}

// TaskPack is the terminal pipeline artifact. Only Validate constructs one.
type TaskPack struct {
	WorkItemID      string `json:"workItemId"`
	EpicTitle       string `json:"epicTitle"`
	EpicDescription string `json:"epicDescription"`
	Tasks           []Task `json:"taskPack"`
	// ArtifactsURL is attached by external artifact storage, never by the
	// pipeline.
	ArtifactsURL string `json:"artifacts_url,omitempty"`
}

// Task returns the task with the given id.
func (p *TaskPack) Task(id string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}
