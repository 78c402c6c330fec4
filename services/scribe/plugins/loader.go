// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugins discovers, validates and registers action plugins.
//
// Builtin actions are registered first from the actions package. Scripted
// actions are Go source files interpreted with yaegi, one isolated
// interpreter per file, after a static security scan and a dependency sort.
// The registry is rebuilt from scratch on every reload and swapped in as a
// whole, so readers never observe a half-loaded set.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/scribe/services/scribe/actions"
	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// Origin says where a plugin came from.
type Origin string

const (
	OriginBuiltin  Origin = "builtin"
	OriginScripted Origin = "scripted"
)

// PluginInfo is one registered action type.
type PluginInfo struct {
	ActionType   string
	Factory      func() actions.Action
	Manifest     *Manifest
	ParamsSchema *boundary.Schema
	SourcePath   string
	Origin       Origin
	Module       string
	Dependencies []string
}

// ReloadEvent is published on eventbus.TopicPluginsReloaded.
type ReloadEvent struct {
	Generation  uint64   `json:"generation"`
	ActionTypes []string `json:"action_types"`
	Rejected    int      `json:"rejected"`
}

// registry is an immutable snapshot of the loaded plugins.
type registry struct {
	plugins    map[string]PluginInfo
	rejections []*LoadError
}

func newRegistry() *registry {
	return &registry{plugins: make(map[string]PluginInfo)}
}

func (r *registry) reject(plugin, stage string, err error) *LoadError {
	le := &LoadError{Plugin: plugin, Stage: stage, Err: err}
	r.rejections = append(r.rejections, le)
	return le
}

func (r *registry) register(info PluginInfo) error {
	if prev, ok := r.plugins[info.ActionType]; ok {
		return fmt.Errorf("%w: %s already provided by %s", ErrDuplicateActionType, info.ActionType, prev.Module)
	}
	r.plugins[info.ActionType] = info
	return nil
}

// Loader owns the plugin registry.
//
// # Thread Safety
//
// Safe for concurrent use. Get and List read the current snapshot; Load and
// Reload build a new one and swap it in under the lock.
type Loader struct {
	dirs      []string
	loadOrder []string
	logger    *slog.Logger
	tel       *telemetry.Provider
	bus       *eventbus.Bus
	debounce  time.Duration

	reloadMu   sync.Mutex
	mu         sync.RWMutex
	reg        *registry
	generation atomic.Uint64
}

// Option configures a Loader.
type Option func(*Loader)

// WithDirectories sets the directories scanned for scripted plugins.
func WithDirectories(dirs ...string) Option {
	return func(l *Loader) { l.dirs = append([]string(nil), dirs...) }
}

// WithLoadOrder sets the preferred order for plugins without mutual
// dependencies.
func WithLoadOrder(stems ...string) Option {
	return func(l *Loader) { l.loadOrder = append([]string(nil), stems...) }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(l *Loader) {
		if p != nil {
			l.tel = p
		}
	}
}

// WithBus publishes plugins_reloaded events on b.
func WithBus(b *eventbus.Bus) Option {
	return func(l *Loader) { l.bus = b }
}

// WithDebounce overrides the hot-reload debounce window.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// NewLoader creates a Loader with an empty registry. Call Load before use.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		logger:   slog.Default(),
		tel:      telemetry.NewNoop(),
		debounce: 250 * time.Millisecond,
		reg:      newRegistry(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load builds the registry for the first time.
//
// # Description
//
// Individual plugin failures are recorded as rejections and never fail the
// load. A dependency cycle does: the builtins are still installed so the
// engine can run, and ErrDependencyCycle is returned.
func (l *Loader) Load(ctx context.Context) error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	reg, err := l.build(ctx)
	if errors.Is(err, ErrDependencyCycle) {
		// build returns before any scripted plugin is interpreted, so reg
		// holds only the builtins.
		l.install(reg)
		return err
	}
	if err != nil {
		return err
	}
	l.install(reg)
	return nil
}

// Reload rebuilds the registry. On a dependency cycle the previous
// registry stays active and the error is returned.
func (l *Loader) Reload(ctx context.Context) error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	reg, err := l.build(ctx)
	if err != nil {
		l.logger.Error("plugin reload failed, keeping previous plugins",
			slog.String("error", err.Error()))
		return err
	}
	l.install(reg)
	return nil
}

func (l *Loader) install(reg *registry) {
	l.mu.Lock()
	l.reg = reg
	l.mu.Unlock()
	gen := l.generation.Add(1)

	types := make([]string, 0, len(reg.plugins))
	for t := range reg.plugins {
		types = append(types, t)
	}
	sort.Strings(types)

	l.logger.Info("plugins loaded",
		slog.Uint64("generation", gen),
		slog.Int("plugins", len(types)),
		slog.Int("rejected", len(reg.rejections)))
	if l.bus != nil {
		l.bus.Publish(eventbus.TopicPluginsReloaded, ReloadEvent{
			Generation:  gen,
			ActionTypes: types,
			Rejected:    len(reg.rejections),
		})
	}
}

// Get returns the plugin registered for actionType.
func (l *Loader) Get(actionType string) (PluginInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.reg.plugins[actionType]
	return info, ok
}

// List returns every registered plugin sorted by action type.
func (l *Loader) List() []PluginInfo {
	l.mu.RLock()
	out := make([]PluginInfo, 0, len(l.reg.plugins))
	for _, info := range l.reg.plugins {
		out = append(out, info)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out
}

// Rejections returns the plugins refused by the last load.
func (l *Loader) Rejections() []*LoadError {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*LoadError(nil), l.reg.rejections...)
}

// Generation increments on every installed registry. Caches keyed on
// plugin instances compare it to detect reloads.
func (l *Loader) Generation() uint64 {
	return l.generation.Load()
}

// Directories returns the scanned plugin directories.
func (l *Loader) Directories() []string {
	return append([]string(nil), l.dirs...)
}

func (l *Loader) registerBuiltins(ctx context.Context, reg *registry) {
	for _, b := range actions.Builtins() {
		module := ModuleName(b.ActionType)
		_, call := l.tel.StartBoundary(ctx, telemetry.Boundary{
			Direction: telemetry.DirectionInternal,
			Protocol:  "plugin",
			Operation: "load",
			Endpoint:  module,
		}, attribute.String("origin", string(OriginBuiltin)))

		m, schema, err := ParseManifest(b.Manifest)
		if err != nil {
			call.End(ctx, err)
			l.logReject(reg.reject(b.ActionType, StageManifest, err))
			continue
		}
		info := PluginInfo{
			ActionType:   b.ActionType,
			Factory:      b.New,
			Manifest:     m,
			ParamsSchema: schema,
			Origin:       OriginBuiltin,
			Module:       module,
		}
		if err := reg.register(info); err != nil {
			call.End(ctx, err)
			l.logReject(reg.reject(b.ActionType, StageRegister, err))
			continue
		}
		call.End(ctx, nil)
	}
}

// candidate is a scripted plugin file that passed reading and scanning.
type candidate struct {
	stem string
	dir  string
	path string
	src  []byte
	deps []string
}

func (l *Loader) build(ctx context.Context) (*registry, error) {
	reg := newRegistry()
	l.registerBuiltins(ctx, reg)

	discovered, passed := l.discover(reg)

	graph := make(map[string][]string, len(passed))
	for stem, c := range passed {
		graph[stem] = c.deps
	}
	order, err := sortByDependencies(graph, l.loadOrder)
	if err != nil {
		return reg, err
	}

	loaded := make(map[string]bool, len(order))
	for _, stem := range order {
		if err := ctx.Err(); err != nil {
			return reg, err
		}
		c := passed[stem]
		if err := checkDependencies(c, discovered, loaded); err != nil {
			l.logReject(reg.reject(stem, StageDependencies, err))
			continue
		}
		loaded[stem] = l.loadScripted(ctx, reg, c)
	}
	return reg, nil
}

func checkDependencies(c *candidate, discovered map[string]bool, loaded map[string]bool) error {
	for _, d := range c.deps {
		if !discovered[d] {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, d)
		}
		if !loaded[d] {
			return fmt.Errorf("%w: %s", ErrDependencyRejected, d)
		}
	}
	return nil
}

// discover lists candidate files across the plugin directories. It returns
// every stem seen and the candidates that passed the security scan.
func (l *Loader) discover(reg *registry) (map[string]bool, map[string]*candidate) {
	discovered := make(map[string]bool)
	passed := make(map[string]*candidate)
	origin := make(map[string]string)

	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Debug("plugin directory does not exist", slog.String("dir", dir))
			continue
		}
		if err != nil {
			l.logger.Warn("read plugin directory", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !isCandidate(name) {
				continue
			}
			stem := strings.TrimSuffix(name, ".go")
			path := filepath.Join(dir, name)
			if prev, ok := origin[stem]; ok {
				l.logReject(reg.reject(stem, StageRead, fmt.Errorf("%w: %s shadows %s", ErrDuplicatePlugin, path, prev)))
				continue
			}
			origin[stem] = path
			discovered[stem] = true

			c, le := readCandidate(stem, dir, path)
			if le != nil {
				reg.rejections = append(reg.rejections, le)
				l.logReject(le)
				continue
			}
			passed[stem] = c
		}
	}
	return discovered, passed
}

func isCandidate(name string) bool {
	if filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	return name != "base.go" && name != "doc.go"
}

func readCandidate(stem, dir, path string) (*candidate, *LoadError) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Plugin: stem, Stage: StageRead, Err: err}
	}
	if err := checkFileMode(info); err != nil {
		return nil, &LoadError{Plugin: stem, Stage: StageSecurity, Err: err}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Plugin: stem, Stage: StageRead, Err: err}
	}
	if err := ScanSource(path, src); err != nil {
		return nil, &LoadError{Plugin: stem, Stage: StageSecurity, Err: err}
	}
	return &candidate{stem: stem, dir: dir, path: path, src: src, deps: ParseDependencies(src)}, nil
}

// loadScripted interprets c and registers its actions. It reports whether
// at least one action was registered.
func (l *Loader) loadScripted(ctx context.Context, reg *registry, c *candidate) bool {
	module := ModuleName(c.stem)
	ctx, call := l.tel.StartBoundary(ctx, telemetry.Boundary{
		Direction: telemetry.DirectionInternal,
		Protocol:  "plugin",
		Operation: "load",
		Endpoint:  module,
	}, attribute.String("origin", string(OriginScripted)))

	fail := func(stage string, err error) bool {
		call.End(ctx, err)
		l.logReject(reg.reject(c.stem, stage, err))
		return false
	}

	manifest, schema, err := loadManifestFile(ManifestPath(c.dir, c.stem))
	if err != nil {
		return fail(StageManifest, err)
	}
	entry := DefaultEntryPoint
	if manifest != nil && manifest.InterfaceContracts.ActionInterface.EntryPoint != "" {
		entry = manifest.InterfaceContracts.ActionInterface.EntryPoint
	}

	in, err := interpret(ctx, c.path, c.src)
	if err != nil {
		return fail(StageInterpret, err)
	}
	defs, err := in.definitions(entry)
	if err != nil {
		return fail(StageDefinition, err)
	}
	if len(defs) == 0 {
		return fail(StageDefinition, fmt.Errorf("%w: %s returned no actions", ErrInvalidDefinition, entry))
	}
	constType := in.constString("ActionType")

	registered := 0
	for idx, def := range defs {
		action, err := newScriptedAction(in, def)
		if err != nil {
			l.logReject(reg.reject(fmt.Sprintf("%s#%d", c.stem, idx+1), StageDefinition, err))
			continue
		}
		actionType := resolveActionType(def, constType, len(defs), c.stem)
		info := PluginInfo{
			ActionType:   actionType,
			Factory:      func() actions.Action { return action },
			Manifest:     manifest,
			ParamsSchema: schema,
			SourcePath:   c.path,
			Origin:       OriginScripted,
			Module:       module,
			Dependencies: append([]string(nil), c.deps...),
		}
		if err := reg.register(info); err != nil {
			l.logReject(reg.reject(c.stem, StageRegister, err))
			continue
		}
		registered++
	}
	if registered == 0 {
		call.End(ctx, fmt.Errorf("no actions registered from %s", c.path))
		return false
	}
	call.End(ctx, nil)
	return true
}

// resolveActionType picks the registry key for a definition: explicit
// action_type, the package ActionType const for single-action files, the
// snake-cased name without its Action suffix, then the file stem.
func resolveActionType(def map[string]any, constType string, defs int, stem string) string {
	if t, ok := def[keyActionType].(string); ok && t != "" {
		return t
	}
	if constType != "" && defs == 1 {
		return constType
	}
	if name, ok := def[keyName].(string); ok {
		if t := ActionTypeFromName(name); t != "" {
			return t
		}
	}
	return stem
}

func (l *Loader) logReject(le *LoadError) {
	l.logger.Warn("plugin rejected",
		slog.String("plugin", le.Plugin),
		slog.String("stage", le.Stage),
		slog.String("error", le.Err.Error()))
}
