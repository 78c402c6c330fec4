// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules compiles configured rules and matches them against files.
//
// A rule applies to a file when its glob matches the path and its trigger
// pattern occurs in the content. Every regex hit becomes one RuleMatch;
// rules are evaluated in configuration order and hits in input order.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
	"github.com/AleutianAI/scribe/services/scribe/eventbus"
)

// CompiledRule is a Rule with its pattern and glob compiled.
//
// Instances are built once per configuration load and never mutated.
type CompiledRule struct {
	config.Rule

	// Pattern is TriggerPattern compiled in multiline mode.
	Pattern *regexp.Regexp

	// Glob is the compiled FileGlob.
	Glob *Glob
}

// RuleMatch is one regex hit of a rule in a file.
//
// It lives for the duration of one dispatch and is never stored.
type RuleMatch struct {
	Rule     *CompiledRule
	Match    datatypes.Match
	FilePath string
	Content  string
	EventID  string
}

// RuleID returns the id of the matched rule.
func (m RuleMatch) RuleID() string {
	return m.Rule.ID
}

type ruleSet struct {
	rules  []*CompiledRule
	errors map[string]error
}

// Processor holds the compiled rule set.
//
// # Thread Safety
//
// Processor is safe for concurrent use. Update swaps the whole rule set
// atomically; a ProcessFile call that already started keeps using the set
// it loaded.
type Processor struct {
	logger *slog.Logger
	set    atomic.Pointer[ruleSet]
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New compiles rules. Rules that fail to compile are logged and skipped.
func New(rules []config.Rule, opts ...Option) *Processor {
	p := &Processor{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.Update(rules)
	return p
}

// Compile builds a CompiledRule from r.
func Compile(r config.Rule) (*CompiledRule, error) {
	re, err := compilePattern(r.TriggerPattern)
	if err != nil {
		return nil, err
	}
	g, err := CompileGlob(r.FileGlob)
	if err != nil {
		return nil, err
	}
	return &CompiledRule{Rule: r, Pattern: re, Glob: g}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// Update recompiles the rule set from rules and swaps it in.
//
// # Outputs
//
//   - int: Number of rules compiled successfully.
func (p *Processor) Update(rules []config.Rule) int {
	set := &ruleSet{
		rules:  make([]*CompiledRule, 0, len(rules)),
		errors: make(map[string]error),
	}
	for _, r := range rules {
		cr, err := Compile(r)
		if err != nil {
			set.errors[r.ID] = err
			p.logger.Error("rule failed to compile, skipping",
				slog.String("rule_id", r.ID),
				slog.String("error", err.Error()))
			continue
		}
		set.rules = append(set.rules, cr)
	}
	p.set.Store(set)

	p.logger.Info("rules compiled",
		slog.Int("compiled", len(set.rules)),
		slog.Int("failed", len(set.errors)))
	return len(set.rules)
}

// OnConfigChange recompiles from cfg.Rules.
func (p *Processor) OnConfigChange(cfg *config.Config) {
	if cfg == nil {
		return
	}
	p.Update(cfg.Rules)
}

// Subscribe registers the processor on the config_changed topic and
// returns the subscription id.
func (p *Processor) Subscribe(bus *eventbus.Bus) string {
	return bus.Subscribe(eventbus.TopicConfigChanged, func(_ context.Context, evt eventbus.Event) error {
		cfg, ok := evt.Data.(*config.Config)
		if !ok {
			return fmt.Errorf("config_changed: unexpected payload %T", evt.Data)
		}
		p.OnConfigChange(cfg)
		return nil
	})
}

// CompiledRules returns every compiled rule, enabled or not, in
// configuration order.
func (p *Processor) CompiledRules() []*CompiledRule {
	set := p.set.Load()
	out := make([]*CompiledRule, len(set.rules))
	copy(out, set.rules)
	return out
}

// Errors returns the compile error per rule id from the last Update.
func (p *Processor) Errors() map[string]error {
	set := p.set.Load()
	out := make(map[string]error, len(set.errors))
	for id, err := range set.errors {
		out[id] = err
	}
	return out
}

// FailedRuleIDs returns the ids that failed to compile, sorted.
func (p *Processor) FailedRuleIDs() []string {
	errs := p.Errors()
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetMatchingRules returns the enabled rules whose glob matches filePath
// or its basename, in configuration order.
func (p *Processor) GetMatchingRules(filePath string) []*CompiledRule {
	return matching(p.set.Load(), filePath)
}

func matching(set *ruleSet, filePath string) []*CompiledRule {
	var out []*CompiledRule
	for _, r := range set.rules {
		if r.Enabled && r.Glob.Match(filePath) {
			out = append(out, r)
		}
	}
	return out
}

// ProcessFile returns one RuleMatch per trigger hit of every matching rule.
//
// # Inputs
//
//   - filePath: Path used for glob matching and carried into each match.
//   - content: Full file content.
//   - eventID: Originating file event id.
//
// # Outputs
//
//   - []RuleMatch: Ordered by rule, then by position in content. Empty
//     when nothing matched.
func (p *Processor) ProcessFile(filePath, content, eventID string) []RuleMatch {
	set := p.set.Load()

	var out []RuleMatch
	for _, r := range matching(set, filePath) {
		for _, loc := range r.Pattern.FindAllStringSubmatchIndex(content, -1) {
			out = append(out, RuleMatch{
				Rule:     r,
				Match:    buildMatch(r.Pattern, content, loc),
				FilePath: filePath,
				Content:  content,
				EventID:  eventID,
			})
		}
	}
	return out
}

func buildMatch(re *regexp.Regexp, content string, loc []int) datatypes.Match {
	m := datatypes.Match{
		Text:  content[loc[0]:loc[1]],
		Start: loc[0],
		End:   loc[1],
	}
	n := len(loc)/2 - 1
	m.Groups = make([]string, n)
	m.GroupOffsets = make([]datatypes.Span, n)
	for g := 1; g <= n; g++ {
		s, e := loc[2*g], loc[2*g+1]
		m.GroupOffsets[g-1] = datatypes.Span{Start: s, End: e}
		if s >= 0 {
			m.Groups[g-1] = content[s:e]
		}
	}
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if m.Named == nil {
			m.Named = make(map[string]string)
		}
		m.Named[name] = m.Groups[i-1]
	}
	return m
}

// ValidateRulePattern reports whether pattern compiles as a trigger.
func ValidateRulePattern(pattern string) (bool, error) {
	if _, err := compilePattern(pattern); err != nil {
		return false, err
	}
	return true, nil
}
