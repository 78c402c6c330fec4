// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatcher runs a rule's action chain for one match.
//
// Every dispatch goes through the rule's circuit breaker. Inside it each
// action is resolved from the plugin registry, its parameters are checked
// against the action, its manifest schema and the security policy, and the
// action runs with the content produced by the previous successful step.
// Individual failures never stop the chain; the breaker only sees a failure
// when the chain as a whole failed. A rule whose breaker is open has its
// file moved to quarantine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/scribe/services/scribe/actions"
	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/breaker"
	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/plugins"
	"github.com/AleutianAI/scribe/services/scribe/rules"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// Resolver looks up action plugins. *plugins.Loader implements it.
type Resolver interface {
	Get(actionType string) (plugins.PluginInfo, bool)
	Generation() uint64
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	TotalDispatches int64 `json:"total_dispatches"`
	Successful      int64 `json:"successful"`
	Failed          int64 `json:"failed"`
	Quarantined     int64 `json:"quarantined"`
	Rejected        int64 `json:"rejected"`
	SystemErrors    int64 `json:"system_errors"`
}

// cachedAction pairs an action instance with its registry entry.
type cachedAction struct {
	action actions.Action
	info   plugins.PluginInfo
}

// Dispatcher executes action chains.
//
// # Thread Safety
//
// Safe for concurrent use. Callers serialize dispatches per file; the
// dispatcher itself only guards its cache and policy.
type Dispatcher struct {
	resolver   Resolver
	breakers   *breaker.Manager
	quarantine *Quarantiner
	validator  *boundary.Validator
	logger     *slog.Logger
	tel        *telemetry.Provider
	now        func() time.Time

	policyMu     sync.RWMutex
	policy       *SecurityPolicy
	chainTimeout time.Duration

	cacheMu  sync.Mutex
	cache    map[string]cachedAction
	cacheGen uint64

	total        atomic.Int64
	successful   atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	systemErrors atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.tel = p
		}
	}
}

// WithValidator validates every action's execution envelope at the
// plugin boundary.
func WithValidator(v *boundary.Validator) Option {
	return func(d *Dispatcher) { d.validator = v }
}

// WithQuarantine sets the quarantiner. The default is rooted at
// config.DefaultQuarantineRoot.
func WithQuarantine(q *Quarantiner) Option {
	return func(d *Dispatcher) {
		if q != nil {
			d.quarantine = q
		}
	}
}

// WithSecurity sets the initial security policy.
func WithSecurity(s config.SecuritySettings) Option {
	return func(d *Dispatcher) { d.policy = NewSecurityPolicy(s, d.logger) }
}

// WithChainTimeout bounds each chain. Zero disables the deadline.
func WithChainTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.chainTimeout = t }
}

// WithClock overrides the clock used for action timing.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher.
//
// # Inputs
//
//   - resolver: Plugin registry, usually a *plugins.Loader.
//   - breakers: Breaker manager shared with the rest of the engine.
func New(resolver Resolver, breakers *breaker.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		breakers: breakers,
		logger:   slog.Default(),
		tel:      telemetry.NewNoop(),
		now:      time.Now,
		cache:    make(map[string]cachedAction),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy == nil {
		d.policy = NewSecurityPolicy(config.SecuritySettings{}, d.logger)
	}
	if d.quarantine == nil {
		d.quarantine = NewQuarantiner(config.DefaultQuarantineRoot,
			WithQuarantineLogger(d.logger), WithQuarantineTelemetry(d.tel))
	}
	return d
}

// OnConfigChange installs the security policy and chain timeout of cfg.
func (d *Dispatcher) OnConfigChange(cfg *config.Config) {
	if cfg == nil {
		return
	}
	policy := NewSecurityPolicy(cfg.Security, d.logger)
	d.policyMu.Lock()
	d.policy = policy
	d.chainTimeout = cfg.EngineSettings.ChainTimeout()
	d.policyMu.Unlock()
}

// Subscribe registers OnConfigChange for config_changed events carrying a
// *config.Config.
func (d *Dispatcher) Subscribe(bus *eventbus.Bus) string {
	return bus.Subscribe(eventbus.TopicConfigChanged, func(_ context.Context, evt eventbus.Event) error {
		cfg, ok := evt.Data.(*config.Config)
		if !ok {
			return fmt.Errorf("config_changed carries %T, want *config.Config", evt.Data)
		}
		d.OnConfigChange(cfg)
		return nil
	})
}

func (d *Dispatcher) settings() (*SecurityPolicy, time.Duration) {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.policy, d.chainTimeout
}

// Dispatch runs the action chain of rm.Rule against rm.Content.
//
// # Description
//
// The breaker for the rule admits or rejects the dispatch. A rejection
// quarantines the file and yields one synthetic "circuit_breaker" result.
// An admitted chain runs every action in order; per-action failures are
// recorded and the chain continues. The breaker records a failure when
// every action failed, or when more than half failed and there were at
// least two. Anything else that stops the chain yields a synthetic
// "system_error" result.
//
// # Outputs
//
//   - DispatchResult: Never nil-valued; see its invariants.
func (d *Dispatcher) Dispatch(ctx context.Context, rm rules.RuleMatch) DispatchResult {
	start := d.now()
	d.total.Add(1)

	rule := rm.Rule
	res := DispatchResult{
		RuleID:       rule.ID,
		FilePath:     rm.FilePath,
		EventID:      rm.EventID,
		FinalContent: rm.Content,
		Success:      true,
	}

	ctx, span := d.tel.StartSpan(ctx, "dispatch_rule", trace.WithAttributes(
		attribute.String("rule_id", rule.ID),
		attribute.String("file_path", rm.FilePath),
		attribute.String("event_id", rm.EventID),
	))
	defer span.End()

	policy, timeout := d.settings()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cb := d.breakers.Get(rule.ID, rule.CircuitBreakerSettings())
	var chain DispatchResult
	err := cb.Execute(ctx, func(ctx context.Context) error {
		chain = d.runChain(ctx, rm, policy)
		if chainFailed(chain.FailedActions, chain.TotalActions) {
			return &ActionChainFailedError{RuleID: rule.ID, Failed: chain.FailedActions, Total: chain.TotalActions}
		}
		return nil
	})

	var cbErr *breaker.CircuitBreakerError
	var chainErr *ActionChainFailedError
	switch {
	case err == nil, errors.As(err, &chainErr):
		res.FinalContent = chain.FinalContent
		for _, r := range chain.ActionResults {
			res.add(r)
		}
		if chainErr != nil {
			d.logger.Warn("action chain failed",
				slog.String("rule_id", rule.ID),
				slog.String("file_path", rm.FilePath),
				slog.Int("failed", chainErr.Failed),
				slog.Int("total", chainErr.Total))
		}

	case errors.As(err, &cbErr):
		d.rejected.Add(1)
		res.add(failedResult(ActionCircuitBreaker, cbErr, start, d.now()))
		if path, qerr := d.quarantine.Quarantine(ctx, rm.FilePath, rule.ID, cbErr.Error()); qerr != nil {
			d.logger.Error("quarantine failed",
				slog.String("rule_id", rule.ID),
				slog.String("file_path", rm.FilePath),
				slog.String("error", qerr.Error()))
		} else {
			res.Quarantined = true
			res.QuarantinePath = path
		}

	default:
		d.systemErrors.Add(1)
		res.add(failedResult(ActionSystemError, err, start, d.now()))
		d.logger.Error("dispatch aborted",
			slog.String("rule_id", rule.ID),
			slog.String("file_path", rm.FilePath),
			slog.String("error", err.Error()))
	}

	res.TotalTime = d.now().Sub(start)
	if res.Success {
		d.successful.Add(1)
		telemetry.SetSpanOK(span)
	} else {
		d.failed.Add(1)
		span.SetAttributes(attribute.Int("failed_actions", res.FailedActions))
	}
	return res
}

// runChain executes every action of the rule. It recovers panics so the
// breaker always sees a result.
func (d *Dispatcher) runChain(ctx context.Context, rm rules.RuleMatch, policy *SecurityPolicy) DispatchResult {
	out := DispatchResult{FinalContent: rm.Content, Success: true}
	current := rm.Content
	for _, spec := range rm.Rule.Actions {
		r := d.runAction(ctx, rm, spec, current, policy)
		if r.Success {
			current = r.ModifiedContent
			out.FinalContent = current
		}
		out.add(r)
	}
	return out
}

func (d *Dispatcher) runAction(ctx context.Context, rm rules.RuleMatch, spec config.ActionSpec, content string, policy *SecurityPolicy) ActionResult {
	started := d.now()
	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}

	ctx, call := d.tel.StartBoundary(ctx, telemetry.Boundary{
		Direction: telemetry.DirectionOutbound,
		Protocol:  "plugin",
		Operation: "action_execution",
		Endpoint:  spec.Type,
	}, attribute.String("rule_id", rm.Rule.ID))

	result, err := d.execute(ctx, rm, spec.Type, params, content, policy)
	now := d.now()
	elapsed := now.Sub(started)

	status := "success"
	if err != nil {
		status = "failure"
	}
	set := metric.WithAttributes(
		attribute.String("action_type", spec.Type),
		attribute.String("rule_id", rm.Rule.ID),
		attribute.String("status", status),
	)
	d.tel.Metrics.ActionExecutions.Add(ctx, 1, set)
	d.tel.Metrics.ActionDuration.Record(ctx, elapsed.Seconds(), set)
	call.End(ctx, err)

	if err != nil {
		d.tel.Metrics.ActionFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action_type", spec.Type),
			attribute.String("rule_id", rm.Rule.ID)))
		d.logger.Warn("action failed",
			slog.String("rule_id", rm.Rule.ID),
			slog.String("action_type", spec.Type),
			slog.String("file_path", rm.FilePath),
			slog.String("error", err.Error()))
		return failedResult(spec.Type, err, started, now)
	}

	return ActionResult{
		ActionType:      spec.Type,
		Success:         true,
		ModifiedContent: result,
		ExecutionTime:   elapsed,
		Timestamp:       now,
		Metadata: map[string]any{
			"content_changed": result != content,
			"length_before":   len(content),
			"length_after":    len(result),
			"length_delta":    len(result) - len(content),
		},
	}
}

func (d *Dispatcher) execute(ctx context.Context, rm rules.RuleMatch, actionType string, params map[string]any, content string, policy *SecurityPolicy) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ActionExecutionError{ActionType: actionType, Message: "chain deadline exceeded", Err: err}
	}

	ca, ok := d.action(actionType)
	if !ok {
		return "", &ActionExecutionError{ActionType: actionType, Message: "plugin not found", Err: ErrPluginNotFound}
	}
	if err := d.validateParams(ctx, rm, actionType, ca, params); err != nil {
		return "", err
	}
	if reason := policy.Check(actionType, params); reason != "" {
		return "", &ActionExecutionError{
			ActionType: actionType,
			Message:    "Security restriction: " + reason,
			Err:        ErrSecurityRestriction,
		}
	}
	return d.invoke(ctx, rm, actionType, ca.action, params, content)
}

func (d *Dispatcher) validateParams(ctx context.Context, rm rules.RuleMatch, actionType string, ca cachedAction, params map[string]any) error {
	var missing []string
	for _, name := range ca.action.RequiredParams() {
		if v, ok := params[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{ActionType: actionType, Missing: missing}
	}
	if !ca.action.ValidateParams(params) {
		return &ValidationError{ActionType: actionType, Reason: "rejected by action"}
	}
	if ca.info.ParamsSchema != nil {
		if errs := ca.info.ParamsSchema.Validate(params); len(errs) > 0 {
			return &ValidationError{ActionType: actionType, Reason: strings.Join(errs, "; ")}
		}
	}
	if d.validator != nil {
		envelope := boundary.PluginExecution{
			ActionType: actionType,
			RuleID:     rm.Rule.ID,
			FilePath:   rm.FilePath,
			EventID:    rm.EventID,
			Params:     params,
		}
		if vr := d.validator.ValidatePluginInput(ctx, envelope.AsMap()); !vr.Valid {
			return &ValidationError{ActionType: actionType, Reason: strings.Join(vr.Errors, "; ")}
		}
	}
	return nil
}

// invoke runs the hooks and Execute, converting panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, rm rules.RuleMatch, actionType string, a actions.Action, params map[string]any, content string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionExecutionError{ActionType: actionType, Message: fmt.Sprintf("panic: %v", r), Err: ErrActionPanic}
		}
	}()

	if err := a.PreExecute(ctx, rm.FilePath, params); err != nil {
		return "", &ActionExecutionError{ActionType: actionType, Message: "pre_execute: " + err.Error(), Err: err}
	}
	result, err := a.Execute(ctx, content, rm.Match, rm.FilePath, params)
	if err != nil {
		return "", &ActionExecutionError{ActionType: actionType, Err: err}
	}
	if err := a.PostExecute(ctx, rm.FilePath, params, result); err != nil {
		return "", &ActionExecutionError{ActionType: actionType, Message: "post_execute: " + err.Error(), Err: err}
	}
	return result, nil
}

// action returns the cached instance for actionType, instantiating it on
// first use. The cache is dropped whenever the registry generation moves.
func (d *Dispatcher) action(actionType string) (cachedAction, bool) {
	gen := d.resolver.Generation()

	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if gen != d.cacheGen {
		d.cache = make(map[string]cachedAction)
		d.cacheGen = gen
	}
	if ca, ok := d.cache[actionType]; ok {
		return ca, true
	}
	info, ok := d.resolver.Get(actionType)
	if !ok || info.Factory == nil {
		return cachedAction{}, false
	}
	ca := cachedAction{action: info.Factory(), info: info}
	d.cache[actionType] = ca
	return ca, true
}

// FilesQuarantined returns how many files this dispatcher quarantined.
func (d *Dispatcher) FilesQuarantined() int64 {
	return d.quarantine.Count()
}

// Quarantiner returns the quarantiner in use.
func (d *Dispatcher) Quarantiner() *Quarantiner {
	return d.quarantine
}

// Breakers returns the breaker manager.
func (d *Dispatcher) Breakers() *breaker.Manager {
	return d.breakers
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalDispatches: d.total.Load(),
		Successful:      d.successful.Load(),
		Failed:          d.failed.Load(),
		Quarantined:     d.quarantine.Count(),
		Rejected:        d.rejected.Load(),
		SystemErrors:    d.systemErrors.Load(),
	}
}
