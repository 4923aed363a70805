// Package pipeline runs work items through a fixed sequence of model stages
// and turns the final stage's output into a validated Task Pack.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskpack/internal/events"
	"github.com/aristath/taskpack/internal/extract"
	"github.com/aristath/taskpack/internal/model"
	"github.com/aristath/taskpack/internal/taskpack"
)

// DefaultCallTimeout bounds a single model call.
const DefaultCallTimeout = 60 * time.Second

// State is the lifecycle position of a run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures an Orchestrator.
type Config struct {
	Stages []Stage
	// Client serves every stage without its own Client.
	Client model.Client
	// CallTimeout bounds each model call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	// Bus receives run and stage events when set.
	Bus    *events.EventBus
	Logger *zap.Logger
	// Metadata is copied onto every Result.
	Metadata map[string]string
	// NewRunID defaults to uuid.NewString.
	NewRunID func() string
}

// Orchestrator executes the configured stages for one work item at a time
// per Run call. It holds no per-run state, so Run may be called
// concurrently.
type Orchestrator struct {
	stages      []Stage
	client      model.Client
	callTimeout time.Duration
	bus         *events.EventBus
	logger      *zap.Logger
	metadata    map[string]string
	newRunID    func() string
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := ValidateStages(cfg.Stages); err != nil {
		return nil, fmt.Errorf("pipeline: invalid stages: %w", err)
	}
	if cfg.Client == nil {
		for _, s := range cfg.Stages {
			if s.Client == nil {
				return nil, fmt.Errorf("pipeline: stage %s has no model client", s.Name)
			}
		}
	}

	o := &Orchestrator{
		stages:      append([]Stage(nil), cfg.Stages...),
		client:      cfg.Client,
		callTimeout: cfg.CallTimeout,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		metadata:    maps.Clone(cfg.Metadata),
		newRunID:    cfg.NewRunID,
	}
	if o.callTimeout <= 0 {
		o.callTimeout = DefaultCallTimeout
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	return o, nil
}

// Stages returns the stage names in execution order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name
	}
	return names
}

// Result describes a finished run. Pack is set only when State is
// StateSucceeded.
type Result struct {
	RunID     string
	WorkItem  taskpack.WorkItem
	State     State
	Pack      *taskpack.TaskPack
	Outputs   []StageOutput
	Artifacts []Artifact
	Metadata  map[string]string
	Duration  time.Duration
}

// Output returns the output recorded for the named stage.
func (r *Result) Output(stage string) (StageOutput, bool) {
	for _, o := range r.Outputs {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutput{}, false
}

// Run executes every stage in order for item.
//
// The returned Result is never nil for a valid work item; on failure it
// carries the outputs produced before the failing stage and a nil Pack.
// Pipeline failures are returned as *Error. The caller's context is checked
// before each stage; a model call already in flight is bounded only by the
// call timeout.
func (o *Orchestrator) Run(ctx context.Context, item taskpack.WorkItem) (*Result, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	rc := newRunContext(o.newRunID(), item)
	res := &Result{
		RunID:    rc.RunID,
		WorkItem: item,
		State:    StateRunning,
		Metadata: maps.Clone(o.metadata),
	}
	log := o.logger.With(zap.String("run_id", rc.RunID), zap.String("work_item_id", item.ID))

	log.Debug("run started", zap.Strings("stages", o.Stages()))
	o.publish(events.TopicRun, events.RunStartedEvent{
		Run:        rc.RunID,
		WorkItemID: item.ID,
		Stages:     o.Stages(),
		Timestamp:  start,
	})

	for i, st := range o.stages {
		if err := ctx.Err(); err != nil {
			return o.fail(res, rc, start, i, &Error{
				Kind:   KindCanceled,
				Stage:  st.Name,
				Detail: "run canceled before stage started",
				Err:    err,
			})
		}

		stageStart := time.Now()
		log.Debug("stage started", zap.String("stage", st.Name), zap.Int("index", i))
		o.publish(events.TopicStage, events.StageStartedEvent{
			Run:       rc.RunID,
			Stage:     st.Name,
			Role:      st.Role,
			Index:     i,
			Timestamp: stageStart,
		})

		pack, err := o.runStage(ctx, rc, st, i == len(o.stages)-1)
		if err != nil {
			return o.fail(res, rc, start, i, err)
		}
		res.Pack = pack

		out, _ := rc.Output(st.Name)
		elapsed := time.Since(stageStart)
		log.Debug("stage completed",
			zap.String("stage", st.Name),
			zap.Int("output_bytes", len(out.Raw)),
			zap.Duration("duration", elapsed))
		o.publish(events.TopicStage, events.StageCompletedEvent{
			Run:       rc.RunID,
			Stage:     st.Name,
			Index:     i,
			Output:    out.Text,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
	}

	res.State = StateSucceeded
	res.Outputs = rc.Outputs()
	res.Artifacts = rc.Artifacts()
	res.Duration = time.Since(start)

	log.Info("run succeeded", zap.Int("tasks", len(res.Pack.Tasks)), zap.Duration("duration", res.Duration))
	o.publish(events.TopicRun, events.RunSucceededEvent{
		Run:        rc.RunID,
		WorkItemID: item.ID,
		Tasks:      len(res.Pack.Tasks),
		Duration:   res.Duration,
		Timestamp:  time.Now(),
	})
	return res, nil
}

// runStage performs one model call and records its output. It returns the
// validated Task Pack when st is the last stage.
func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, st Stage, last bool) (*taskpack.TaskPack, error) {
	prompt, err := st.Prompt(st, rc)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", st.Name, err)
	}

	client := o.client
	if st.Client != nil {
		client = st.Client
	}
	raw, err := o.generate(ctx, client, prompt, st.MaxTokens)
	if err != nil {
		return nil, &Error{Kind: KindModelUnavailable, Stage: st.Name, Detail: err.Error(), Err: err}
	}
	rc.appendOutput(StageOutput{Stage: st.Name, Raw: raw, Text: TrimEndMarker(raw, st.EndMarker)})

	if !st.RequiresJSON {
		return nil, nil
	}

	clean := extract.Sanitize(raw)
	if !extract.Parseable(clean) {
		return nil, &Error{
			Kind:   KindMalformedOutput,
			Stage:  st.Name,
			Detail: "output is not parseable JSON after sanitization",
			Raw:    raw,
		}
	}
	if !last {
		rc.appendArtifact(Artifact{Stage: st.Name, JSON: clean})
		return nil, nil
	}

	pack, err := taskpack.Validate(rc.WorkItem.ID, clean)
	if err != nil {
		detail := err.Error()
		var verr *taskpack.ValidationError
		if errors.As(err, &verr) {
			detail = verr.Reason
		}
		return nil, &Error{Kind: KindSchemaViolation, Stage: st.Name, Detail: detail, Raw: raw, Err: err}
	}
	return pack, nil
}

type generateResult struct {
	text string
	err  error
}

// generate calls the model on a context detached from the caller's
// cancellation and bounded by the call timeout. The timeout is enforced even
// if the client ignores its context.
func (o *Orchestrator) generate(ctx context.Context, client model.Client, prompt string, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()

	done := make(chan generateResult, 1)
	go func() {
		text, err := client.Generate(callCtx, prompt, maxTokens)
		done <- generateResult{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: call timed out after %s: %w", model.ErrUnavailable, o.callTimeout, r.err)
		}
		return r.text, r.err
	case <-callCtx.Done():
		return "", fmt.Errorf("%w: call timed out after %s: %w", model.ErrUnavailable, o.callTimeout, callCtx.Err())
	}
}

func (o *Orchestrator) fail(res *Result, rc *RunContext, start time.Time, index int, err error) (*Result, error) {
	res.State = StateFailed
	res.Outputs = rc.Outputs()
	res.Artifacts = rc.Artifacts()
	res.Duration = time.Since(start)

	kind := "Internal"
	stage := o.stages[index].Name
	if k, ok := KindOf(err); ok {
		kind = k.String()
	}

	o.logger.Warn("run failed",
		zap.String("run_id", rc.RunID),
		zap.String("work_item_id", rc.WorkItem.ID),
		zap.String("stage", stage),
		zap.String("kind", kind),
		zap.Duration("duration", res.Duration),
		zap.Error(err))

	now := time.Now()
	if kind != KindCanceled.String() {
		o.publish(events.TopicStage, events.StageFailedEvent{
			Run:       rc.RunID,
			Stage:     stage,
			Index:     index,
			Kind:      kind,
			Err:       err,
			Timestamp: now,
		})
	}
	o.publish(events.TopicRun, events.RunFailedEvent{
		Run:        rc.RunID,
		WorkItemID: rc.WorkItem.ID,
		Kind:       kind,
		Err:        err,
		Duration:   res.Duration,
		Timestamp:  now,
	})
	return res, err
}

func (o *Orchestrator) publish(topic string, e events.Event) {
	if o.bus != nil {
		o.bus.Publish(topic, e)
	}
}
