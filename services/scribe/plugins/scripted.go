// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/AleutianAI/scribe/services/scribe/actions"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// Definition map keys returned by a scripted plugin's entry point.
const (
	keyName           = "name"
	keyActionType     = "action_type"
	keyDescription    = "description"
	keyRequiredParams = "required_params"
	keyExecute        = "execute"
	keyValidateParams = "validate_params"
	keyPreExecute     = "pre_execute"
	keyPostExecute    = "post_execute"
)

// restrictedSymbols is the stdlib symbol table minus every package that
// reaches the host (filesystem, processes, network, reflection).
var restrictedSymbols = func() interp.Exports {
	out := make(interp.Exports, len(stdlib.Symbols))
	for key, syms := range stdlib.Symbols {
		importPath := key
		if i := strings.LastIndex(key, "/"); i > 0 {
			importPath = key[:i]
		}
		if isForbiddenImport(importPath) {
			continue
		}
		out[key] = syms
	}
	return out
}()

// interpreter is one isolated yaegi instance for one plugin file.
type interpreter struct {
	mu  sync.Mutex
	i   *interp.Interpreter
	pkg string
}

// interpret evaluates src in a fresh interpreter.
func interpret(ctx context.Context, name string, src []byte) (in *interpreter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	f, err := parser.ParseFile(token.NewFileSet(), name, src, parser.PackageClauseOnly)
	if err != nil {
		return nil, fmt.Errorf("parse package clause: %w", err)
	}

	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(restrictedSymbols); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, err
	}
	return &interpreter{i: i, pkg: f.Name.Name}, nil
}

// lookup evaluates a package-level identifier. ok is false when the
// identifier does not exist.
func (in *interpreter) lookup(ident string) (v reflect.Value, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	candidates := []string{ident}
	if in.pkg != "" && in.pkg != "main" {
		candidates = []string{in.pkg + "." + ident, ident}
	}
	for _, c := range candidates {
		if v, err := in.i.Eval(c); err == nil && v.IsValid() {
			return v, true
		}
	}
	return reflect.Value{}, false
}

// definitions calls the entry point and returns its action definitions.
func (in *interpreter) definitions(entryPoint string) ([]map[string]any, error) {
	fn, ok := in.lookup(entryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: entry point %s not found", ErrInvalidDefinition, entryPoint)
	}
	results, err := in.call(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, entryPoint, err)
	}
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%w: %s must return ([]map[string]any[, error])", ErrInvalidDefinition, entryPoint)
	}
	if len(results) == 2 {
		if cause := errorValue(results[1]); cause != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, entryPoint, cause)
		}
	}

	defsVal := results[0]
	if defs, ok := defsVal.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if defsVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: %s must return []map[string]any", ErrInvalidDefinition, entryPoint)
	}
	defs := make([]map[string]any, defsVal.Len())
	for i := range defs {
		m, ok := defsVal.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] is not map[string]any", ErrInvalidDefinition, entryPoint, i)
		}
		defs[i] = m
	}
	return defs, nil
}

// constString returns a package-level string constant, if defined.
func (in *interpreter) constString(ident string) string {
	v, ok := in.lookup(ident)
	if !ok || v.Kind() != reflect.String {
		return ""
	}
	return v.String()
}

// call invokes fn with args under the interpreter lock, converting each
// argument to the parameter type fn declares.
func (in *interpreter) call(fn reflect.Value, args ...any) (out []reflect.Value, err error) {
	if fn.Kind() == reflect.Interface {
		fn = fn.Elem()
	}
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function")
	}
	ft := fn.Type()
	if ft.NumIn() != len(args) {
		return nil, fmt.Errorf("function takes %d arguments, want %d", ft.NumIn(), len(args))
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := ft.In(i)
		if a == nil {
			vals[i] = reflect.Zero(pt)
			continue
		}
		av := reflect.ValueOf(a)
		if !av.Type().AssignableTo(pt) {
			if !av.Type().ConvertibleTo(pt) {
				return nil, fmt.Errorf("argument %d: %s is not assignable to %s", i, av.Type(), pt)
			}
			av = av.Convert(pt)
		}
		vals[i] = av
	}
	return fn.Call(vals), nil
}

func errorValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	if (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && v.IsNil() {
		return nil
	}
	if e, ok := v.Interface().(error); ok {
		return e
	}
	return fmt.Errorf("second return value is %s, not error", v.Type())
}

// scriptedAction adapts one definition map to actions.Action.
type scriptedAction struct {
	in       *interpreter
	name     string
	desc     string
	required []string
	execute  reflect.Value
	validate reflect.Value
	pre      reflect.Value
	post     reflect.Value
}

var _ actions.Action = (*scriptedAction)(nil)

// newScriptedAction validates the shape of def.
func newScriptedAction(in *interpreter, def map[string]any) (*scriptedAction, error) {
	a := &scriptedAction{in: in}

	a.name, _ = def[keyName].(string)
	a.desc, _ = def[keyDescription].(string)

	exec, ok := in.funcValue(def[keyExecute])
	if !ok {
		return nil, fmt.Errorf("%w: %q has no execute function", ErrInvalidDefinition, a.name)
	}
	a.execute = exec

	for key, dst := range map[string]*reflect.Value{
		keyValidateParams: &a.validate,
		keyPreExecute:     &a.pre,
		keyPostExecute:    &a.post,
	} {
		raw, present := def[key]
		if !present || raw == nil {
			continue
		}
		fn, ok := in.funcValue(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q %s is not a function", ErrInvalidDefinition, a.name, key)
		}
		*dst = fn
	}

	switch req := def[keyRequiredParams].(type) {
	case nil:
	case []string:
		a.required = append([]string(nil), req...)
	case []any:
		for _, r := range req {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q required_params must be strings", ErrInvalidDefinition, a.name)
			}
			a.required = append(a.required, s)
		}
	default:
		return nil, fmt.Errorf("%w: %q required_params is %T", ErrInvalidDefinition, a.name, req)
	}
	return a, nil
}

// funcValue resolves a definition entry to a function. The entry is either
// a function value or the name of a package-level function.
func (in *interpreter) funcValue(raw any) (reflect.Value, bool) {
	if raw == nil {
		return reflect.Value{}, false
	}
	v := reflect.ValueOf(raw)
	if name, ok := raw.(string); ok {
		found, ok := in.lookup(name)
		if !ok {
			return reflect.Value{}, false
		}
		v = found
	}
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if v.Kind() != reflect.Func {
		return reflect.Value{}, false
	}
	return v, true
}

// matchArg is the form a scripted action receives the match in.
func matchArg(m datatypes.Match) map[string]any {
	groups := append([]string(nil), m.Groups...)
	named := make(map[string]any, len(m.Named))
	for k, v := range m.Named {
		named[k] = v
	}
	return map[string]any{
		"text":   m.Text,
		"start":  m.Start,
		"end":    m.End,
		"groups": groups,
		"named":  named,
	}
}

func (a *scriptedAction) Execute(ctx context.Context, content string, match datatypes.Match, filePath string, params map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := a.in.call(a.execute, content, matchArg(match), filePath, params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.name, err)
	}
	if len(out) == 0 || len(out) > 2 {
		return "", fmt.Errorf("%s: execute must return (string, error)", a.name)
	}
	if len(out) == 2 {
		if cause := errorValue(out[1]); cause != nil {
			return "", cause
		}
	}
	res := out[0]
	if res.Kind() == reflect.Interface && !res.IsNil() {
		res = res.Elem()
	}
	if res.Kind() != reflect.String {
		return "", fmt.Errorf("%w: %s returned %s", ErrNonStringResult, a.name, res.Kind())
	}
	return res.String(), nil
}

func (a *scriptedAction) ValidateParams(params map[string]any) bool {
	if !a.validate.IsValid() {
		return true
	}
	out, err := a.in.call(a.validate, params)
	if err != nil || len(out) != 1 || out[0].Kind() != reflect.Bool {
		return false
	}
	return out[0].Bool()
}

func (a *scriptedAction) RequiredParams() []string {
	return append([]string(nil), a.required...)
}

func (a *scriptedAction) Description() string {
	return a.desc
}

func (a *scriptedAction) PreExecute(ctx context.Context, filePath string, params map[string]any) error {
	if !a.pre.IsValid() {
		return nil
	}
	return a.hook(a.pre, filePath, params)
}

func (a *scriptedAction) PostExecute(ctx context.Context, filePath string, params map[string]any, result string) error {
	if !a.post.IsValid() {
		return nil
	}
	return a.hook(a.post, filePath, params, result)
}

func (a *scriptedAction) hook(fn reflect.Value, args ...any) error {
	out, err := a.in.call(fn, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	if len(out) == 0 {
		return nil
	}
	return errorValue(out[len(out)-1])
}
