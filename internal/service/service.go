// Package service is the synchronous boundary in front of the pipeline:
// it validates input, retries runs that hit an unavailable model, journals
// runs and maps failures to HTTP status classes.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpack/internal/persistence"
	"github.com/aristath/taskpack/internal/pipeline"
	"github.com/aristath/taskpack/internal/taskpack"
)

// ErrInvalidWorkItem is returned for a work item with an empty ID or
// description.
var ErrInvalidWorkItem = taskpack.ErrInvalidWorkItem

// Runner executes one pipeline run. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, item taskpack.WorkItem) (*pipeline.Result, error)
}

// RetryConfig configures the exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts     int           // Total attempts including the first (default 3)
	InitialInterval time.Duration // Delay before the second attempt (default 1s)
	MaxInterval     time.Duration // Upper bound on a single delay (default 10s)
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

// Config configures a Service.
type Config struct {
	Runner Runner
	// Store journals every attempt when set.
	Store  persistence.Store
	Logger *zap.Logger
	Retry  RetryConfig
	// Concurrency bounds SubmitBatch (default 4).
	Concurrency int
}

// Service accepts work items and returns Task Packs.
type Service struct {
	runner      Runner
	store       persistence.Store
	logger      *zap.Logger
	retry       RetryConfig
	concurrency int
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, errors.New("service: runner is required")
	}
	def := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = def.MaxInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		runner:      cfg.Runner,
		store:       cfg.Store,
		logger:      cfg.Logger,
		retry:       cfg.Retry,
		concurrency: cfg.Concurrency,
	}, nil
}

// Outcome is the result of a submission across all its attempts.
type Outcome struct {
	WorkItemID string
	Pack       *taskpack.TaskPack
	// Result is the last attempt's run result. Nil for an invalid work item.
	Result   *pipeline.Result
	Attempts int
	Err      error
}

// Submit turns a work item into a Task Pack.
func (s *Service) Submit(ctx context.Context, workItemID, description string) (*taskpack.TaskPack, error) {
	out := s.SubmitItem(ctx, taskpack.WorkItem{ID: workItemID, Description: description})
	return out.Pack, out.Err
}

// SubmitItem runs item and reports every detail of the outcome. Runs that
// fail with an unavailable model are retried with exponential backoff; all
// other failures are returned immediately.
func (s *Service) SubmitItem(ctx context.Context, item taskpack.WorkItem) *Outcome {
	out := &Outcome{WorkItemID: item.ID}
	if err := item.Validate(); err != nil {
		out.Err = err
		return out
	}

	log := s.logger.With(zap.String("work_item_id", item.ID))

	var lastErr error
	operation := func() error {
		out.Attempts++
		res, err := s.runner.Run(ctx, item)
		out.Result = res
		lastErr = err
		s.journal(ctx, out.Attempts, res, err)

		if err == nil {
			out.Pack = res.Pack
			return nil
		}
		if kind, ok := pipeline.KindOf(err); ok && kind == pipeline.KindModelUnavailable {
			log.Warn("model unavailable, will retry",
				zap.Int("attempt", out.Attempts),
				zap.Int("max_attempts", s.retry.MaxAttempts),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxInterval = s.retry.MaxInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.retry.MaxAttempts-1)), ctx))
	if err != nil {
		// A cancellation during a backoff wait still reports the last
		// pipeline failure.
		if lastErr != nil {
			err = lastErr
		}
		out.Err = err
		log.Warn("submission failed", zap.Int("attempts", out.Attempts), zap.Error(err))
	}
	return out
}

// SubmitBatch runs items concurrently, at most Concurrency at a time. One
// item's failure does not stop the others. Outcomes are returned in input
// order.
func (s *Service) SubmitBatch(ctx context.Context, items []taskpack.WorkItem) []*Outcome {
	outcomes := make([]*Outcome, len(items))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = s.SubmitItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// journal records one attempt. Journal failures are logged, never returned:
// they must not change the outcome of a run.
func (s *Service) journal(ctx context.Context, attempt int, res *pipeline.Result, runErr error) {
	if s.store == nil || res == nil {
		return
	}
	// Journal even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	err := s.store.StartRun(ctx, persistence.RunRecord{
		RunID:      res.RunID,
		WorkItemID: res.WorkItem.ID,
		Attempt:    attempt,
		StartedAt:  time.Now().Add(-res.Duration),
	})
	for _, o := range res.Outputs {
		if err != nil {
			break
		}
		err = s.store.RecordStage(ctx, res.RunID, o.Stage, o.Raw)
	}
	if err == nil {
		status, kind, detail := persistence.RunSucceeded, "", ""
		if runErr != nil {
			status, detail = persistence.RunFailed, runErr.Error()
			kind = "Internal"
			if k, ok := pipeline.KindOf(runErr); ok {
				kind = k.String()
			}
		}
		err = s.store.FinishRun(ctx, res.RunID, status, kind, detail)
	}
	if err != nil {
		s.logger.Error("failed to journal run", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// StatusCode maps a Submit error to the HTTP status the external HTTP layer
// should answer with. A nil error maps to 200.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrInvalidWorkItem) {
		return http.StatusBadRequest
	}
	kind, ok := pipeline.KindOf(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	switch kind {
	case pipeline.KindModelUnavailable, pipeline.KindCanceled:
		return http.StatusServiceUnavailable
	case pipeline.KindMalformedOutput, pipeline.KindSchemaViolation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may resubmit the same work item.
func Retryable(err error) bool {
	kind, ok := pipeline.KindOf(err)
	return ok && kind == pipeline.KindModelUnavailable
}

// Describe formats an error with its HTTP status for operator output.
func Describe(err error) string {
	code := StatusCode(err)
	return fmt.Sprintf("%d %s: %v", code, http.StatusText(code), err)
}
