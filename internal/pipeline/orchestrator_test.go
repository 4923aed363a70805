package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aristath/taskpack/internal/events"
	"github.com/aristath/taskpack/internal/model"
	"github.com/aristath/taskpack/internal/taskpack"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose view worker runs for the whole process.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	analysisOut   = "- Toggle in settings\n- Persist choice across sessions"
	testDesignOut = "```json\n{\"tests\": {\"unit\": [\"test('toggle', () => {})\"], \"integration\": [], \"e2e\": []}}\n```"
	synthesisOut  = "# Dark mode\nAdd a toggle.\nEND_PROMPT\n"
	darkModePack  = `{"epicTitle":"Dark Mode","epicDescription":"...","taskPack":[{"id":"T1","title":"Add toggle","description":"...","status":"To Do","acceptanceCriteria":["Toggle persists"],"tests":{"unit":["..."],"integration":[],"e2e":[],"manual":[]}}]}`
)

var darkMode = taskpack.WorkItem{ID: "W1", Description: "Add dark mode toggle"}

type reply struct {
	text string
	err  error
	fn   func(ctx context.Context) (string, error)
}

// scriptedClient answers each call with the next reply and records prompts.
type scriptedClient struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
	tokens  []int
}

func script(replies ...reply) *scriptedClient {
	return &scriptedClient{replies: replies}
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	c.mu.Lock()
	i := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	c.tokens = append(c.tokens, maxTokens)
	c.mu.Unlock()

	if i >= len(c.replies) {
		return "", fmt.Errorf("unexpected call %d", i+1)
	}
	r := c.replies[i]
	if r.fn != nil {
		return r.fn(ctx)
	}
	return r.text, r.err
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func text(s string) reply { return reply{text: s} }

func newOrchestrator(t *testing.T, client model.Client, mutate ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Stages:   CanonicalStages(),
		Client:   client,
		NewRunID: func() string { return "run-1" },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func TestRun_ProducesTaskPack(t *testing.T) {
	client := script(text(analysisOut), text(testDesignOut), text(synthesisOut), text("```json\n"+darkModePack+"\n```"))
	o := newOrchestrator(t, client, func(c *Config) {
		c.Metadata = map[string]string{"engine": "taskpack", "model": "gemini-2.5-pro"}
	})

	res, err := o.Run(context.Background(), darkMode)
	require.NoError(t, err)

	want := &taskpack.TaskPack{
		WorkItemID:      "W1",
		EpicTitle:       "Dark Mode",
		EpicDescription: "...",
		Tasks: []taskpack.Task{{
			ID:                 "T1",
			Title:              "Add toggle",
			Description:        "...",
			Status:             taskpack.StatusToDo,
			AcceptanceCriteria: []string{"Toggle persists"},
			Tests: taskpack.Tests{
				"unit":        {"..."},
				"integration": {},
				"e2e":         {},
				"manual":      {},
			},
		}},
	}
	if diff := cmp.Diff(want, res.Pack); diff != "" {
		t.Errorf("pack mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "gemini-2.5-pro", res.Metadata["model"])
	assert.Equal(t, 4, client.calls())
	assert.Equal(t, []int{2048, 4096, 8000, 8192}, client.tokens)

	require.Len(t, res.Outputs, 4)
	for i, name := range []string{StageAnalysis, StageTestDesign, StagePromptSynthesis, StagePackAssembly} {
		assert.Equal(t, name, res.Outputs[i].Stage)
	}
	assert.Equal(t, testDesignOut, res.Outputs[1].Raw, "raw output is recorded verbatim")

	synth, ok := res.Output(StagePromptSynthesis)
	require.True(t, ok)
	assert.Equal(t, "# Dark mode\nAdd a toggle.", synth.Text)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, Artifact{
		Stage: StageTestDesign,
		JSON:  `{"tests":{"unit":["test('toggle', () => {})"],"integration":[],"e2e":[]}}`,
	}, res.Artifacts[0])
}

func TestRun_ThreadsPriorOutputsIntoPrompts(t *testing.T) {
	client := script(text(analysisOut), text(testDesignOut), text(synthesisOut), text(darkModePack))
	o := newOrchestrator(t, client)

	_, err := o.Run(context.Background(), darkMode)
	require.NoError(t, err)

	require.Len(t, client.prompts, 4)
	raws := []string{analysisOut, testDesignOut, synthesisOut}
	for n := 1; n < 4; n++ {
		for _, prior := range raws[:n] {
			assert.Contains(t, client.prompts[n], prior, "prompt %d must contain every prior raw output", n)
		}
		for _, later := range raws[n:] {
			assert.NotContains(t, client.prompts[n], later, "prompt %d must not see later outputs", n)
		}
	}
	for _, p := range client.prompts {
		assert.Contains(t, p, "Add dark mode toggle")
		assert.Contains(t, p, "W1")
	}
	assert.Contains(t, client.prompts[0], "You are the Senior Product Manager.")
	assert.Contains(t, client.prompts[1], "No markdown fences, no extra prose.")
	assert.Contains(t, client.prompts[2], "END_PROMPT")
	assert.Contains(t, client.prompts[3], "No markdown fences, no extra prose.")
}

func TestRun_ModelFailureStopsPipeline(t *testing.T) {
	quota := fmt.Errorf("%w: gemini: quota exceeded", model.ErrUnavailable)
	client := script(text(analysisOut), reply{err: quota}, text(synthesisOut), text(darkModePack))
	o := newOrchestrator(t, client)

	res, err := o.Run(context.Background(), darkMode)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindModelUnavailable, perr.Kind)
	assert.Equal(t, StageTestDesign, perr.Stage)
	assert.True(t, perr.Retryable())
	assert.ErrorIs(t, err, model.ErrUnavailable)

	assert.Equal(t, 2, client.calls(), "later stages must not be invoked")
	require.NotNil(t, res)
	assert.Nil(t, res.Pack)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, res.Outputs, 1)
}

func TestRun_MalformedIntermediateOutput(t *testing.T) {
	client := script(text(analysisOut), text("Here are some tests, but no JSON."), text(synthesisOut), text(darkModePack))
	o := newOrchestrator(t, client)

	res, err := o.Run(context.Background(), darkMode)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindMalformedOutput, perr.Kind)
	assert.Equal(t, StageTestDesign, perr.Stage)
	assert.Equal(t, "Here are some tests, but no JSON.", perr.Raw)
	assert.False(t, perr.Retryable())
	assert.Equal(t, 2, client.calls())
	assert.Nil(t, res.Pack)
	assert.Empty(t, res.Artifacts)
}

func TestRun_FinalStageFailures(t *testing.T) {
	tests := []struct {
		name string
		out  string
		kind Kind
	}{
		{name: "prose", out: "I could not produce JSON.", kind: KindMalformedOutput},
		{name: "missing taskPack", out: `{"epicTitle":"Dark Mode","epicDescription":"..."}`, kind: KindSchemaViolation},
		{name: "duplicate ids", out: `{"epicTitle":"E","epicDescription":"D","taskPack":[` +
			`{"id":"T1","title":"a","description":"","status":"Done","acceptanceCriteria":["x"],"tests":{"unit":[],"integration":[],"e2e":[]}},` +
			`{"id":"T1","title":"b","description":"","status":"Done","acceptanceCriteria":["y"],"tests":{"unit":[],"integration":[],"e2e":[]}}]}`,
			kind: KindSchemaViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := script(text(analysisOut), text(testDesignOut), text(synthesisOut), text(tt.out))
			o := newOrchestrator(t, client)

			res, err := o.Run(context.Background(), darkMode)

			kind, ok := KindOf(err)
			require.True(t, ok, "expected pipeline error, got %v", err)
			assert.Equal(t, tt.kind, kind)
			assert.Nil(t, res.Pack)
			assert.Equal(t, StateFailed, res.State)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, StagePackAssembly, perr.Stage)
			assert.Equal(t, tt.out, perr.Raw)
			if tt.kind == KindSchemaViolation {
				var verr *taskpack.ValidationError
				assert.ErrorAs(t, err, &verr)
				assert.NotEmpty(t, perr.Detail)
			}
		})
	}
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var callErr error
	client := script(
		reply{fn: func(callCtx context.Context) (string, error) {
			cancel()
			callErr = callCtx.Err()
			return analysisOut, nil
		}},
		text(testDesignOut),
	)
	o := newOrchestrator(t, client)

	res, err := o.Run(ctx, darkMode)

	assert.NoError(t, callErr, "in-flight call must not see caller cancellation")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCanceled, perr.Kind)
	assert.Equal(t, StageTestDesign, perr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.calls())
	assert.Len(t, res.Outputs, 1)
}

func TestRun_CallTimeout(t *testing.T) {
	t.Run("client honors context", func(t *testing.T) {
		client := script(reply{fn: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}})
		o := newOrchestrator(t, client, func(c *Config) { c.CallTimeout = 20 * time.Millisecond })

		_, err := o.Run(context.Background(), darkMode)

		kind, _ := KindOf(err)
		assert.Equal(t, KindModelUnavailable, kind)
		assert.ErrorIs(t, err, model.ErrUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("client ignores context", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		client := script(reply{fn: func(context.Context) (string, error) {
			<-release
			return analysisOut, nil
		}})
		o := newOrchestrator(t, client, func(c *Config) { c.CallTimeout = 20 * time.Millisecond })

		start := time.Now()
		_, err := o.Run(context.Background(), darkMode)

		assert.Less(t, time.Since(start), 5*time.Second)
		kind, _ := KindOf(err)
		assert.Equal(t, KindModelUnavailable, kind)
		assert.ErrorIs(t, err, model.ErrUnavailable)
	})
}

// roleClient answers by the role named in the prompt. It has no state, so
// concurrent runs cannot interfere through it.
func roleClient(ctx context.Context, prompt string, _ int) (string, error) {
	switch {
	case strings.Contains(prompt, "You are the Senior Product Manager."):
		return analysisOut, nil
	case strings.Contains(prompt, "You are the Test Designer."):
		return testDesignOut, nil
	case strings.Contains(prompt, "You are the Prompt Engineer."):
		return synthesisOut, nil
	case strings.Contains(prompt, "You are the Pack Assembler."):
		start := strings.Index(prompt, "Work item ") + len("Work item ")
		id := prompt[start : start+strings.Index(prompt[start:], ":")]
		return strings.Replace(darkModePack, `"epicTitle"`, `"workItemId":"`+id+`","epicTitle"`, 1), nil
	}
	return "", errors.New("unknown stage")
}

func TestRun_ConcurrentRunsAreIsolated(t *testing.T) {
	o := newOrchestrator(t, model.ClientFunc(roleClient), func(c *Config) { c.NewRunID = nil })

	const runs = 16
	var wg sync.WaitGroup
	results := make([]*Result, runs)
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := taskpack.WorkItem{ID: fmt.Sprintf("W%d", i), Description: "Add dark mode toggle"}
			results[i], errs[i] = o.Run(context.Background(), item)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("W%d", i), results[i].Pack.WorkItemID)
		assert.Len(t, results[i].Outputs, 4)
		assert.False(t, seen[results[i].RunID], "run IDs must be unique")
		seen[results[i].RunID] = true
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(32)

	client := script(text(analysisOut), text("not json"))
	o := newOrchestrator(t, client, func(c *Config) { c.Bus = bus })

	_, err := o.Run(context.Background(), darkMode)
	require.Error(t, err)

	var types []string
	for len(types) < 6 {
		select {
		case e := <-sub:
			assert.Equal(t, "run-1", e.RunID())
			types = append(types, e.EventType())
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		events.EventTypeRunStarted,
		events.EventTypeStageStarted,
		events.EventTypeStageCompleted,
		events.EventTypeStageStarted,
		events.EventTypeStageFailed,
		events.EventTypeRunFailed,
	}, types)
}

func TestRun_SingleStage(t *testing.T) {
	client := script(text("Sure! Here is the pack:\n" + darkModePack + "\nLet me know."))
	o := newOrchestrator(t, client, func(c *Config) { c.Stages = SingleStage() })

	res, err := o.Run(context.Background(), darkMode)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls())
	assert.Equal(t, "Dark Mode", res.Pack.EpicTitle)
	assert.Contains(t, client.prompts[0], "Task Pack Synthesizer")
}

func TestRun_InvalidWorkItem(t *testing.T) {
	client := script()
	o := newOrchestrator(t, client)

	res, err := o.Run(context.Background(), taskpack.WorkItem{ID: "W1"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, taskpack.ErrInvalidWorkItem)
	assert.Equal(t, 0, client.calls())
}

func TestRun_PromptRenderFailure(t *testing.T) {
	bad := Stage{
		Name:         "broken",
		Prompt:       MustTemplate("broken", `{{.Missing}}`),
		RequiresJSON: true,
	}
	client := script()
	o := newOrchestrator(t, client, func(c *Config) { c.Stages = []Stage{bad} })

	res, err := o.Run(context.Background(), darkMode)
	require.Error(t, err)
	_, isPipeline := KindOf(err)
	assert.False(t, isPipeline)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, client.calls())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Stages: CanonicalStages()})
	assert.Error(t, err)

	_, err = New(Config{Client: script()})
	assert.Error(t, err)

	o, err := New(Config{Stages: CanonicalStages(), Client: script()})
	require.NoError(t, err)
	assert.Equal(t, []string{StageAnalysis, StageTestDesign, StagePromptSynthesis, StagePackAssembly}, o.Stages())
	assert.Equal(t, DefaultCallTimeout, o.callTimeout)
}

func TestError_Format(t *testing.T) {
	err := &Error{Kind: KindSchemaViolation, Stage: StagePackAssembly, Detail: "taskPack is missing"}
	assert.Equal(t, "stage pack-assembly: SchemaViolation: taskPack is missing", err.Error())
	assert.Equal(t, "Kind(9)", Kind(9).String())

	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
	kind, ok := KindOf(fmt.Errorf("wrapped: %w", err))
	assert.True(t, ok)
	assert.Equal(t, KindSchemaViolation, kind)
}

func TestRun_StageClientOverride(t *testing.T) {
	shared := script(text(analysisOut), text(synthesisOut), text(darkModePack))
	designer := script(text(testDesignOut))

	stages := CanonicalStages()
	stages[1].Client = designer
	o := newOrchestrator(t, shared, func(c *Config) { c.Stages = stages })

	_, err := o.Run(context.Background(), darkMode)
	require.NoError(t, err)
	assert.Equal(t, 3, shared.calls())
	assert.Equal(t, 1, designer.calls())
	assert.Contains(t, designer.prompts[0], "You are the Test Designer.")
}
