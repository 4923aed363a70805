package events

import (
	"time"
)

// Event is the base interface for all pipeline events.
type Event interface {
	EventType() string
	RunID() string
}

// Topic constants
const (
	TopicRun   = "run"
	TopicStage = "stage"
)

// Event type constants
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunSucceeded   = "run.succeeded"
	EventTypeRunFailed      = "run.failed"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
	EventTypeStageFailed    = "stage.failed"
)

// RunStartedEvent is published when a run leaves Idle.
type RunStartedEvent struct {
	Run        string
	WorkItemID string
	Stages     []string
	Timestamp  time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }

// StageStartedEvent is published before a stage's model call.
type StageStartedEvent struct {
	Run       string
	Stage     string
	Role      string
	Index     int
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) RunID() string     { return e.Run }

// StageCompletedEvent is published once a stage's output has been recorded.
// Output is the stage's text with any end marker removed.
type StageCompletedEvent struct {
	Run       string
	Stage     string
	Index     int
	Output    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageCompletedEvent) EventType() string { return EventTypeStageCompleted }
func (e StageCompletedEvent) RunID() string     { return e.Run }

// StageFailedEvent is published when a stage ends the run.
type StageFailedEvent struct {
	Run       string
	Stage     string
	Index     int
	Kind      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageFailedEvent) EventType() string { return EventTypeStageFailed }
func (e StageFailedEvent) RunID() string     { return e.Run }

// RunSucceededEvent is published when a validated Task Pack is produced.
type RunSucceededEvent struct {
	Run        string
	WorkItemID string
	Tasks      int
	Duration   time.Duration
	Timestamp  time.Time
}

func (e RunSucceededEvent) EventType() string { return EventTypeRunSucceeded }
func (e RunSucceededEvent) RunID() string     { return e.Run }

// RunFailedEvent is published when a run terminates with an error.
type RunFailedEvent struct {
	Run        string
	WorkItemID string
	Kind       string
	Err        error
	Duration   time.Duration
	Timestamp  time.Time
}

func (e RunFailedEvent) EventType() string { return EventTypeRunFailed }
func (e RunFailedEvent) RunID() string     { return e.Run }
