// Package cli wires the orchestration core from settings and drives it
// from a terminal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/config"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/internal/metrics"
	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/mcp"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/orchestration"
	"github.com/richinex/theseus/storage"
	"github.com/richinex/theseus/tools"
)

// App is a fully wired orchestration core.
type App struct {
	Settings   config.Settings
	Service    *orchestration.Service
	Gate       *approval.Gate
	Bus        *events.Broadcaster
	Tools      *tools.Registry
	Dispatcher *tools.Dispatcher
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Logger     *slog.Logger

	closers []func() error
}

// NewLogger builds the process logger from settings.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build wires every component from s. Close releases what it opened.
func Build(ctx context.Context, s config.Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Settings: s, Logger: logger}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	adapter, err := NewAdapter(s, "", 0, app.Metrics, logger)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(s.Memory.Driver, s.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	app.closers = append(app.closers, func() error { return storage.Close(store) })

	exec, defs, err := app.executors(ctx, s, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	registry, err := tools.NewRegistry(defs...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	app.Tools = registry

	app.Bus = events.New(
		events.WithBufferSize(s.Events.BufferSize),
		events.WithDropHook(app.Metrics.EventDropped),
	)
	app.Gate = approval.NewGate(app.Bus,
		approval.WithPolicy(s.ApprovalPolicy()),
		approval.WithLogger(logger),
		approval.WithResolvedHook(func(req model.ApprovalRequest) {
			app.Metrics.ApprovalResolved(req.RiskTier.String(), string(req.Resolution))
		}),
	)
	app.Dispatcher = tools.NewDispatcher(registry, exec,
		tools.WithGate(app.Gate),
		tools.WithPublisher(app.Bus),
		tools.WithMetrics(app.Metrics),
		tools.WithLogger(logger),
		tools.WithDefaultTimeout(s.Agent.ToolTimeout.Std()),
	)

	deps := agent.Deps{
		Model:      adapter,
		Dispatcher: app.Dispatcher,
		Memory:     store,
		Context: storage.NewContextBuilder(store,
			storage.WithLimits(s.Memory.Recent, s.Memory.Lessons),
			storage.WithContextLogger(logger),
		),
		Transcripts: store,
		Events:      app.Bus,
		Metrics:     app.Metrics,
		Logger:      logger,
	}
	svc, err := orchestration.NewService(deps, app.Gate, app.Bus, s.AgentDefaults(),
		orchestration.WithIdleTimeout(s.Server.IdleTimeout.Std()),
		orchestration.WithLogger(logger),
		orchestration.WithModelFactory(modelFactory(s, adapter, app.Metrics, logger)),
	)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Service = svc
	return app, nil
}

// executors returns the local executor, joined with MCP servers when
// configured, and the definitions of every tool they serve.
func (a *App) executors(ctx context.Context, s config.Settings, logger *slog.Logger) (tools.Executor, []tools.Definition, error) {
	local, err := tools.NewLocalExecutor(s.ToolConfig())
	if err != nil {
		return nil, nil, err
	}
	defs := local.Definitions()
	if s.MCP.ConfigPath == "" {
		return local, defs, nil
	}

	cfg, err := mcp.LoadConfig(s.MCP.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	remote, err := mcp.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect mcp servers: %w", err)
	}
	a.closers = append(a.closers, remote.Close)

	router := tools.NewMultiExecutor()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if err := router.Route(local, names...); err != nil {
		return nil, nil, err
	}
	if err := router.Route(remote, remote.Names()...); err != nil {
		return nil, nil, err
	}
	logger.Info("mcp tools connected", "servers", cfg.ServerNames(), "tools", len(remote.Names()))
	return router, append(defs, remote.Definitions()...), nil
}

// Close shuts the service down and releases stores and MCP servers.
func (a *App) Close() error {
	if a.Service != nil {
		a.Service.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewAdapter builds the provider chain: the configured provider first,
// then each fallback. model and temperature override the primary's when
// set. Fallbacks without credentials are skipped.
func NewAdapter(s config.Settings, modelName string, temperature float32, m *metrics.Metrics, logger *slog.Logger) (*llm.Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if temperature == 0 {
		temperature = float32(s.LLM.Temperature)
	}

	var candidates []llm.Candidate
	for i, name := range s.Providers() {
		providerType, err := llm.ParseProviderType(name)
		if err != nil {
			return nil, err
		}
		modelFor := s.LLM.Model
		switch {
		case i > 0:
			if modelFor, err = config.ModelFor(name); err != nil {
				return nil, err
			}
		case modelName != "":
			modelFor = modelName
		}
		provider, err := llm.NewProviderBuilder(providerType).
			Model(modelFor).
			MaxTokens(s.LLM.MaxTokens).
			Temperature(temperature).
			FromEnv()
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("failed to create provider: %w", err)
			}
			logger.Warn("skipping fallback provider", "provider", name, "error", err)
			continue
		}
		candidates = append(candidates, llm.Candidate{Provider: provider, Timeout: s.LLM.AttemptTimeout.Std()})
	}

	opts := []llm.AdapterOption{
		llm.WithLogger(logger),
		llm.WithAttemptObserver(m.ProviderAttempt),
	}
	if s.LLM.MaxAttempts > 0 {
		opts = append(opts, llm.WithMaxAttempts(s.LLM.MaxAttempts))
	}
	return llm.NewAdapter(candidates, opts...)
}

// modelFactory shares the default adapter and builds a new one only for
// sessions that override the model or temperature.
func modelFactory(s config.Settings, shared *llm.Adapter, m *metrics.Metrics, logger *slog.Logger) orchestration.ModelFactory {
	return func(cfg agent.Config) (agent.Model, error) {
		if (cfg.Model == "" || cfg.Model == s.LLM.Model) &&
			(cfg.Temperature == 0 || cfg.Temperature == float32(s.LLM.Temperature)) {
			return shared, nil
		}
		return NewAdapter(s, cfg.Model, cfg.Temperature, m, logger)
	}
}
