// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the composition root: it builds every Scribe component
// from one configuration file, starts them in dependency order and stops
// them in reverse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/scribe/services/scribe/atomicwrite"
	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/breaker"
	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/dispatcher"
	"github.com/AleutianAI/scribe/services/scribe/dlq"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/health"
	"github.com/AleutianAI/scribe/services/scribe/ingress"
	"github.com/AleutianAI/scribe/services/scribe/plugins"
	"github.com/AleutianAI/scribe/services/scribe/rules"
	"github.com/AleutianAI/scribe/services/scribe/store"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
	"github.com/AleutianAI/scribe/services/scribe/watcher"
	"github.com/AleutianAI/scribe/services/scribe/worker"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTelemetry uses p instead of initializing telemetry from the
// environment. The caller keeps ownership and shuts p down.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) {
		e.tel = p
	}
}

// WithReportDir overrides the DLQ directory ($SCRIBE_REPORT_DIR).
func WithReportDir(dir string) Option {
	return func(e *Engine) {
		e.reportDir = dir
	}
}

// WithHealthAddr overrides engine_settings.health_addr. An empty addr
// disables the health server.
func WithHealthAddr(addr string) Option {
	return func(e *Engine) {
		e.healthAddr = &addr
	}
}

// stopStep is one shutdown action, registered as its component starts.
type stopStep struct {
	name string
	fn   func(context.Context) error
}

// Engine wires and runs the Scribe pipeline.
//
// # Description
//
// Start builds, in order: config manager, telemetry, boundary validator,
// DLQ sink, event bus, plugin loader, rule processor, breaker manager,
// action dispatcher, ingress gate, worker pool, file watcher and the
// optional health server. Telemetry comes before the validator so that
// validation spans are recorded. The pool starts before the watcher so
// that, stopping in reverse, the watcher is quiet before the bus closes.
//
// Stop runs the registered stop steps in reverse. Each step is bounded by
// shutdown_timeout_seconds; failures are logged and never returned.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines. Stop is
// idempotent. Accessors are valid after Start returns.
type Engine struct {
	configPath string
	logger     *slog.Logger
	tel        *telemetry.Provider
	reportDir  string
	healthAddr *string

	mu              sync.Mutex
	started         bool
	stops           []stopStep
	stopOnce        sync.Once
	shutdownTimeout time.Duration

	cfg        *config.Manager
	validator  *boundary.Validator
	sink       *dlq.Sink
	bus        *eventbus.Bus
	loader     *plugins.Loader
	rules      *rules.Processor
	state      *store.Store
	breakers   *breaker.Manager
	dispatcher *dispatcher.Dispatcher
	gate       *ingress.Gate
	pool       *worker.Pool
	watcher    *watcher.Watcher
	health     *health.Server
}

// New creates an Engine for the configuration file at configPath. Nothing
// is loaded until Start.
func New(configPath string, opts ...Option) (*Engine, error) {
	if configPath == "" {
		return nil, ErrNoConfigPath
	}
	e := &Engine{
		configPath:      configPath,
		logger:          slog.Default(),
		shutdownTimeout: config.DefaultShutdownTimeoutSeconds * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start builds and starts every component.
//
// # Inputs
//
//   - ctx: Lifetime of the background watchers. Canceling it stops hot
//     reload and file watching but does not stop the workers; call Stop.
//
// # Outputs
//
//   - error: ErrAlreadyStarted, or the first fatal startup error (config,
//     schema registry, telemetry, state store, watcher). Components started
//     before the failure are stopped again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.start(ctx); err != nil {
		e.logger.Error("engine start failed", slog.String("error", err.Error()))
		e.Stop(context.Background())
		return err
	}
	e.logger.Info("engine started",
		slog.String("config", e.configPath),
		slog.Int("rules", len(e.rules.CompiledRules())),
		slog.Int("plugins", len(e.loader.List())),
		slog.Int("workers", e.pool.Workers()))
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	mgr, err := config.NewManager(e.configPath, config.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = mgr
	cfg := mgr.Config()
	es := cfg.EngineSettings
	if t := es.ShutdownTimeout(); t > 0 {
		e.shutdownTimeout = t
	}

	if e.tel == nil {
		tel, err := telemetry.Init(ctx, telemetry.DefaultConfig())
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		e.tel = tel
		e.onStop("telemetry", func(ctx context.Context) error {
			return tel.Shutdown(ctx, e.shutdownTimeout)
		})
	}

	vopts := []boundary.Option{boundary.WithLogger(e.logger), boundary.WithTelemetry(e.tel)}
	if es.SchemaDir != "" {
		vopts = append(vopts, boundary.WithSchemaDir(es.SchemaDir))
	}
	if e.validator, err = boundary.New(vopts...); err != nil {
		return fmt.Errorf("build schema registry: %w", err)
	}

	dopts := []dlq.Option{dlq.WithLogger(e.logger), dlq.WithTelemetry(e.tel)}
	if e.reportDir != "" {
		dopts = append(dopts, dlq.WithDir(e.reportDir))
	}
	e.sink = dlq.New(dopts...)

	e.bus = eventbus.New(eventbus.WithCapacity(es.QueueSize), eventbus.WithLogger(e.logger))
	e.onStop("event bus", func(context.Context) error {
		e.bus.Close()
		return nil
	})

	if err := e.startPlugins(ctx, cfg.Plugins); err != nil {
		return err
	}

	e.rules = rules.New(cfg.Rules, rules.WithLogger(e.logger))

	if err := e.startBreakers(es); err != nil {
		return err
	}

	writer := atomicwrite.New()
	quarantine := dispatcher.NewQuarantiner(es.QuarantineRoot,
		dispatcher.WithQuarantineLogger(e.logger),
		dispatcher.WithQuarantineTelemetry(e.tel),
		dispatcher.WithQuarantineDLQ(e.sink),
		dispatcher.WithQuarantineWriter(writer))
	e.dispatcher = dispatcher.New(e.loader, e.breakers,
		dispatcher.WithLogger(e.logger),
		dispatcher.WithTelemetry(e.tel),
		dispatcher.WithValidator(e.validator),
		dispatcher.WithQuarantine(quarantine),
		dispatcher.WithSecurity(cfg.Security),
		dispatcher.WithChainTimeout(es.ChainTimeout()))

	if err := e.startConfigReload(ctx); err != nil {
		return err
	}

	e.gate = ingress.New(e.validator, e.bus, e.sink,
		ingress.WithLogger(e.logger),
		ingress.WithTelemetry(e.tel))

	e.pool = worker.New(e.bus, e.rules, e.dispatcher,
		worker.WithWorkers(es.MaxWorkers),
		worker.WithLogger(e.logger),
		worker.WithTelemetry(e.tel),
		worker.WithWriter(writer),
		worker.WithDLQ(e.sink),
		worker.WithLargeFileThreshold(es.LargeFileThresholdBytes))
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	e.onStop("worker pool", e.pool.Stop)

	if e.watcher, err = watcher.New(e.gate, watcher.Options{
		Paths:          es.WatchPaths,
		Globs:          es.FileGlobs,
		IgnorePatterns: es.IgnorePatterns,
		IgnoreDirs:     []string{es.QuarantineRoot, filepath.Dir(e.sink.Path())},
		Debounce:       es.Debounce(),
		Logger:         e.logger,
	}); err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := e.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	e.onStop("watcher", func(context.Context) error {
		e.watcher.Stop()
		return nil
	})

	addr := es.HealthAddr
	if e.healthAddr != nil {
		addr = *e.healthAddr
	}
	if addr != "" {
		e.health = health.New(addr, e.status, health.WithLogger(e.logger), health.WithTelemetry(e.tel))
		if err := e.health.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		e.onStop("health server", e.health.Stop)
	}
	return nil
}

// startPlugins loads the registry and, when configured, its hot reload.
// A dependency cycle is logged and tolerated: the builtins stay usable.
func (e *Engine) startPlugins(ctx context.Context, ps config.PluginSettings) error {
	e.loader = plugins.NewLoader(
		plugins.WithDirectories(ps.Directories...),
		plugins.WithLoadOrder(ps.LoadOrder...),
		plugins.WithLogger(e.logger),
		plugins.WithTelemetry(e.tel),
		plugins.WithBus(e.bus))

	if err := e.loader.Load(ctx); err != nil {
		if !errors.Is(err, plugins.ErrDependencyCycle) {
			return fmt.Errorf("load plugins: %w", err)
		}
		e.logger.Error("plugin dependency cycle, running with builtin actions only",
			slog.String("error", err.Error()))
	}
	for _, le := range e.loader.Rejections() {
		e.logger.Warn("plugin rejected",
			slog.String("plugin", le.Plugin),
			slog.String("stage", string(le.Stage)),
			slog.String("error", le.Error()))
	}

	if !ps.AutoReload {
		return nil
	}
	return e.watchUntilStop(ctx, "plugin watcher", e.loader.Watch)
}

func (e *Engine) startBreakers(es config.EngineSettings) error {
	opts := []breaker.ManagerOption{
		breaker.WithDefaults(es.CircuitBreaker),
		breaker.WithLogger(e.logger),
		breaker.WithTelemetry(e.tel),
		breaker.WithBus(e.bus),
	}
	if es.StateDir != "" {
		st, err := store.Open(store.DefaultConfig(es.StateDir))
		if err != nil {
			return fmt.Errorf("open breaker state: %w", err)
		}
		e.state = st
		e.onStop("breaker state", func(context.Context) error { return st.Close() })
		opts = append(opts, breaker.WithStore(st))
	}
	e.breakers = breaker.NewManager(opts...)
	return nil
}

// startConfigReload applies every accepted reload to the rules processor
// and the dispatcher, then watches the file.
//
// The change is applied on the reloading goroutine so it cannot be lost to
// a full queue. config_changed is still published for other subscribers of
// the bus.
func (e *Engine) startConfigReload(ctx context.Context) error {
	id := e.cfg.OnChange(e.applyConfig)
	e.onStop("config callbacks", func(context.Context) error {
		e.cfg.RemoveCallback(id)
		return nil
	})
	return e.watchUntilStop(ctx, "config watcher", e.cfg.Watch)
}

func (e *Engine) applyConfig(cfg *config.Config) {
	e.rules.Update(cfg.Rules)
	e.dispatcher.OnConfigChange(cfg)
	if !e.bus.Publish(eventbus.TopicConfigChanged, cfg) {
		e.logger.Debug("config_changed notification dropped, event bus full or closed")
	}
}

// watchUntilStop runs a Watch-style loop under its own cancelable context
// and registers a stop step that cancels it and waits for the loop.
func (e *Engine) watchUntilStop(ctx context.Context, name string, watch func(context.Context) (<-chan struct{}, error)) error {
	wctx, cancel := context.WithCancel(ctx)
	done, err := watch(wctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", name, err)
	}
	e.onStop(name, func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return nil
}

func (e *Engine) onStop(name string, fn func(context.Context) error) {
	e.mu.Lock()
	e.stops = append(e.stops, stopStep{name: name, fn: fn})
	e.mu.Unlock()
}

// Stop shuts every started component down in reverse start order.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		steps := e.stops
		e.stops = nil
		e.mu.Unlock()

		for i := len(steps) - 1; i >= 0; i-- {
			e.runStop(ctx, steps[i])
		}
		e.logger.Info("engine stopped")
	})
}

func (e *Engine) runStop(ctx context.Context, step stopStep) {
	sctx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- step.fn(sctx) }()

	select {
	case err := <-errc:
		if err != nil {
			e.logger.Warn("component stop failed",
				slog.String("component", step.name),
				slog.String("error", err.Error()))
		}
	case <-sctx.Done():
		e.logger.Warn("component stop timed out",
			slog.String("component", step.name),
			slog.Duration("timeout", e.shutdownTimeout))
	}
}

// status feeds the health endpoint. Open breakers mark the engine degraded.
func (e *Engine) status() (map[string]any, []string) {
	bs := e.breakers.Stats()
	var degraded []string
	for id, snap := range bs.Breakers {
		if snap.State == breaker.StateOpen {
			degraded = append(degraded, "breaker:"+id)
		}
	}
	sort.Strings(degraded)

	return map[string]any{
		"workers":        e.pool.Workers(),
		"active_workers": e.pool.ActiveWorkers(),
		"queue_size":     e.bus.Len(),
		"rules":          len(e.rules.CompiledRules()),
		"plugins":        len(e.loader.List()),
		"breakers":       bs.ByState,
		"dispatcher":     e.dispatcher.Stats(),
		"worker":         e.pool.Stats(),
		"watcher":        e.watcher.Stats(),
		"ingress":        e.gate.Stats(),
		"dlq_written":    e.sink.Written(),
	}, degraded
}

// Config returns the configuration manager.
func (e *Engine) Config() *config.Manager { return e.cfg }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Rules returns the rule processor.
func (e *Engine) Rules() *rules.Processor { return e.rules }

// Dispatcher returns the action dispatcher.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Ingress returns the gate every surface admits events through.
func (e *Engine) Ingress() *ingress.Gate { return e.gate }

// Plugins returns the plugin loader.
func (e *Engine) Plugins() *plugins.Loader { return e.loader }

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// DLQ returns the dead letter sink.
func (e *Engine) DLQ() *dlq.Sink { return e.sink }

// Health returns the health server, or nil when disabled.
func (e *Engine) Health() *health.Server { return e.health }
