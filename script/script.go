// Package script compiles and runs Risor code for the script activity.
// Programs see the Risor builtins plus the variables named at compile time.
package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Engine compiles Risor programs
type Engine struct {
	builtins map[string]object.Object
}

// NewEngine returns an Engine exposing every Risor builtin
func NewEngine() *Engine {
	return &Engine{builtins: all.Builtins()}
}

// Program is compiled Risor code
type Program struct {
	engine *Engine
	code   *compiler.Code
	vars   []string
}

// Compile parses and compiles code. The names of the variables passed to
// Run must be listed in vars; referring to any other name fails here.
func (e *Engine) Compile(ctx context.Context, code string, vars ...string) (*Program, error) {
	tree, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.builtins))
	for _, v := range vars {
		if !slices.Contains(names, v) {
			names = append(names, v)
		}
	}
	compiled, err := compiler.Compile(tree, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &Program{engine: e, code: compiled, vars: vars}, nil
}

// Run evaluates the program. Plain Go values in vars are converted to Risor
// objects; missing variables are nil.
func (p *Program) Run(ctx context.Context, vars map[string]any) (Value, error) {
	globals := make(map[string]any, len(p.engine.builtins)+len(p.vars))
	for name, obj := range p.engine.builtins {
		globals[name] = obj
	}
	for _, name := range p.vars {
		globals[name] = vars[name]
	}
	obj, err := risor.EvalCode(ctx, p.code, risor.WithGlobals(globals))
	if err != nil {
		return Value{}, err
	}
	return Value{obj: obj}, nil
}

// Value is the result of a program
type Value struct {
	obj object.Object
}

// Interface converts the value to plain Go types: strings, int64, float64,
// bool, time.Time, []any and map[string]any. Other objects become their
// printed form.
func (v Value) Interface() any {
	if v.obj == nil {
		return nil
	}
	return toGo(v.obj)
}

// Truthy reports whether the value counts as true. Empty strings and the
// string "false" are false.
func (v Value) Truthy() bool {
	switch o := v.obj.(type) {
	case nil:
		return false
	case *object.String:
		s := o.Value()
		return s != "" && !strings.EqualFold(s, "false")
	default:
		return o.IsTruthy()
	}
}

func (v Value) String() string {
	switch o := v.obj.(type) {
	case nil, *object.NilType:
		return ""
	case *object.String:
		return o.Value()
	default:
		return o.Inspect()
	}
}

func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		items := o.Value()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toGo(item)
		}
		return out
	case *object.Map:
		out := make(map[string]any, len(o.Value()))
		for k, item := range o.Value() {
			out[k] = toGo(item)
		}
		return out
	}
	return obj.Inspect()
}

// Template is a string with embedded ${...} expressions
type Template struct {
	segments []segment
}

type segment struct {
	text string
	prog *Program
}

// NewTemplate compiles the expressions of raw
func (e *Engine) NewTemplate(ctx context.Context, raw string, vars ...string) (*Template, error) {
	t := &Template{}
	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unclosed template expression in %q", raw)
		}
		end += start
		if start > 0 {
			t.segments = append(t.segments, segment{text: rest[:start]})
		}
		src := rest[start+2 : end]
		prog, err := e.Compile(ctx, src, vars...)
		if err != nil {
			return nil, fmt.Errorf("template expression %q: %w", src, err)
		}
		t.segments = append(t.segments, segment{prog: prog})
		rest = rest[end+1:]
	}
	if rest != "" {
		t.segments = append(t.segments, segment{text: rest})
	}
	return t, nil
}

// Render evaluates each expression and joins the results
func (t *Template) Render(ctx context.Context, vars map[string]any) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if s.prog == nil {
			b.WriteString(s.text)
			continue
		}
		v, err := s.prog.Run(ctx, vars)
		if err != nil {
			return "", err
		}
		b.WriteString(v.String())
	}
	return b.String(), nil
}
