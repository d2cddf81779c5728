package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/agents"
	"github.com/TheEterna/real-agent-sub001/pkg/config"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/memory"
	"github.com/TheEterna/real-agent-sub001/pkg/metrics"
	"github.com/TheEterna/real-agent-sub001/pkg/orchestrator"
	"github.com/TheEterna/real-agent-sub001/pkg/persistence"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
	"github.com/TheEterna/real-agent-sub001/pkg/provider/fixtures"
	"github.com/TheEterna/real-agent-sub001/pkg/provider/openai"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

// runtime is everything a command needs to run turns.
type runtime struct {
	settings *config.Settings
	provider provider.ChatProvider
	registry *tools.Registry
	memory   *memory.Store
	store    persistence.Store
	router   *events.EventRouter
	metrics  *metrics.Metrics
	gatherer *prometheus.Registry
	manager  *turns.Manager
}

func newProvider(s *config.Settings) (provider.ChatProvider, string, error) {
	switch strings.ToLower(s.Provider.Name) {
	case "", openai.Name:
		temp := s.Provider.Temperature
		p, err := openai.New(openai.Settings{
			APIKey:      s.Provider.APIKey,
			BaseURL:     s.Provider.BaseURL,
			Model:       s.Provider.Model,
			Temperature: &temp,
			MaxTokens:   s.Provider.MaxTokens,
		})
		return p, openai.Name, err
	case fixtures.Name:
		if s.Provider.Fixture == "" {
			return nil, "", errors.New("provider.fixture is required for the fixtures provider")
		}
		p, err := fixtures.LoadScript(s.Provider.Fixture)
		return p, fixtures.Name, err
	default:
		return nil, "", errors.Errorf("unknown provider %q", s.Provider.Name)
	}
}

func newRegistry() (*tools.Registry, error) {
	r := tools.NewRegistry()
	if err := tools.RegisterCompletionTool(r); err != nil {
		return nil, err
	}
	if err := tools.RegisterPlanTools(r); err != nil {
		return nil, err
	}
	if err := r.RegisterWithKeywords(tools.NewEchoTool(), "utility"); err != nil {
		return nil, err
	}
	return r, nil
}

func newRuntime(ctx context.Context, s *config.Settings) (*runtime, error) {
	p, providerName, err := newProvider(s)
	if err != nil {
		return nil, err
	}
	registry, err := newRegistry()
	if err != nil {
		return nil, err
	}

	store, err := persistence.Open(ctx, s.Store.Driver, s.Store.DSN)
	if err != nil {
		return nil, err
	}

	counter, err := memory.NewTokenCounter(s.Memory.TokenCounter)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mem := memory.NewStore(
		memory.WithDefaultPolicy(s.MemoryPolicy()),
		memory.WithTokenCounter(counter),
		memory.WithAppendObserver(turns.RecordMessages(context.WithoutCancel(ctx), store)),
	)

	o, err := orchestrator.New(
		orchestrator.WithRunner(agents.NewRunner(p, registry, agents.WithProviderName(providerName))),
		orchestrator.WithStages(agents.DefaultSet().WithModel(s.Provider.Model)),
		orchestrator.WithDispatcher(tools.NewDispatcher(registry, s.ToolConfig())),
		orchestrator.WithMemory(mem),
		orchestrator.WithMaxIterations(s.Orchestrator.MaxIterations),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	router, err := events.NewEventRouter(events.WithLogger(events.NewWatermillLogger(log.Logger)))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)
	router.AddHandler("metrics", s.Server.EventTopic, m.Handle)

	titleModel := s.Provider.TitleModel
	if titleModel == "" {
		titleModel = s.Provider.Model
	}
	sessionOpts := []turns.SessionOption{turns.WithSessionStore(store)}
	// scripted replies belong to the stages
	if providerName != fixtures.Name {
		sessionOpts = append(sessionOpts, turns.WithTitler(p, titleModel))
	}
	sessions := turns.NewSessionService(sessionOpts...)

	manager := turns.NewManager(o,
		turns.WithRecorder(store),
		turns.WithHydrator(mem),
		turns.WithSessionService(sessions),
		turns.WithSinks(router.Sink(s.Server.EventTopic)),
		turns.WithBufferSize(s.Stream.BufferSize),
		turns.WithApprovalTimeout(s.Tools.ApprovalTimeout),
	)

	return &runtime{
		settings: s,
		provider: p,
		registry: registry,
		memory:   mem,
		store:    store,
		router:   router,
		metrics:  m,
		gatherer: promReg,
		manager:  manager,
	}, nil
}

// Close shuts the manager down, then the bus and the store.
func (r *runtime) Close(ctx context.Context) error {
	err := r.manager.Shutdown(ctx)
	if cerr := r.router.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := r.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
