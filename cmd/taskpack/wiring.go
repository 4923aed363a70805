package main

import (
	"context"
	"fmt"

	"github.com/aristath/taskpack/internal/config"
	"github.com/aristath/taskpack/internal/events"
	"github.com/aristath/taskpack/internal/model"
	"github.com/aristath/taskpack/internal/persistence"
	"github.com/aristath/taskpack/internal/pipeline"
	"github.com/aristath/taskpack/internal/service"
)

// clientCache builds one breaker-guarded client per provider name.
type clientCache struct {
	a        *app
	cfg      *config.Config
	breakers *model.BreakerRegistry
	clients  map[string]model.Client
}

func newClientCache(a *app, cfg *config.Config) *clientCache {
	b := cfg.Pipeline.Breaker
	return &clientCache{
		a:   a,
		cfg: cfg,
		breakers: model.NewBreakerRegistry(model.BreakerConfig{
			MaxRequests:         b.HalfOpenRequests,
			OpenTimeout:         b.OpenTimeout.Std(),
			ConsecutiveFailures: b.ConsecutiveFailures,
		}, a.logger),
		clients: make(map[string]model.Client),
	}
}

func (c *clientCache) get(ctx context.Context, provider string) (model.Client, error) {
	if client, ok := c.clients[provider]; ok {
		return client, nil
	}
	mc, err := c.cfg.ModelConfig(provider)
	if err != nil {
		return nil, err
	}
	client, err := c.a.newClient(ctx, mc, c.a.pm)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", provider, err)
	}
	client = c.breakers.Wrap(provider, client)
	c.clients[provider] = client
	return client, nil
}

// buildStages applies the per-stage config overrides to the built-in
// pipeline. Stages on a provider other than the default get their own
// client.
func buildStages(ctx context.Context, cfg *config.Config, single bool, clients *clientCache) ([]pipeline.Stage, error) {
	stages := pipeline.CanonicalStages()
	if single {
		stages = pipeline.SingleStage()
	}

	limits := make(map[string]int, len(cfg.Stages))
	for name, sc := range cfg.Stages {
		limits[name] = sc.MaxTokens
	}
	stages = pipeline.WithMaxTokens(stages, limits)

	for i := range stages {
		sc := cfg.Stages[stages[i].Name]
		if sc.Role != "" {
			stages[i].Role = sc.Role
		}
		if sc.Goal != "" {
			stages[i].Goal = sc.Goal
		}
		if p := cfg.StageProvider(stages[i].Name); p != cfg.Provider {
			client, err := clients.get(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", stages[i].Name, err)
			}
			stages[i].Client = client
		}
	}
	return stages, nil
}

// runMetadata describes the default provider for Result.Metadata.
func runMetadata(cfg *config.Config) map[string]string {
	p := cfg.Providers[cfg.Provider]
	md := map[string]string{"engine": p.Type}
	if p.Model != "" {
		md["model"] = p.Model
	}
	if p.Project != "" {
		md["project"] = p.Project
		md["location"] = p.Location
	}
	return md
}

type serviceOptions struct {
	single bool
	bus    *events.EventBus
}

// buildService wires config into an orchestrator, the optional run journal
// and the service. The returned close func releases the journal.
func (a *app) buildService(ctx context.Context, cfg *config.Config, opts serviceOptions) (*service.Service, func(), error) {
	clients := newClientCache(a, cfg)
	defaultClient, err := clients.get(ctx, cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	stages, err := buildStages(ctx, cfg, opts.single || cfg.Pipeline.Single, clients)
	if err != nil {
		return nil, nil, err
	}

	orch, err := pipeline.New(pipeline.Config{
		Stages:      stages,
		Client:      defaultClient,
		CallTimeout: cfg.Pipeline.CallTimeout.Std(),
		Bus:         opts.bus,
		Logger:      a.logger,
		Metadata:    runMetadata(cfg),
	})
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	var store persistence.Store
	if cfg.Store.Path != "" {
		s, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening run journal: %w", err)
		}
		store = s
		closeFn = func() { _ = s.Close() }
	}

	r := cfg.Pipeline.Retry
	svc, err := service.New(service.Config{
		Runner: orch,
		Store:  store,
		Logger: a.logger,
		Retry: service.RetryConfig{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval.Std(),
			MaxInterval:     r.MaxInterval.Std(),
		},
		Concurrency: cfg.Pipeline.Concurrency,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
