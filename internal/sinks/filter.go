package sinks

import (
	"context"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/mev/internal/event"
)

// Predicate is a compiled CEL expression over a single event.
type Predicate struct {
	expr string
	prog cel.Program
}

// CompilePredicate compiles expr. The expression sees kind (the event type
// name), account, ts_ms, datasource, ctx (the context map) and now_ms, and
// must yield a bool.
func CompilePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("account", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("datasource", cel.StringType),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, &FilterTypeError{Expr: expr, Got: out}
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Predicate{expr: expr, prog: prog}, nil
}

// FilterTypeError reports an expression that does not evaluate to bool.
type FilterTypeError struct {
	Expr string
	Got  string
}

func (e *FilterTypeError) Error() string {
	return "filter " + e.Expr + " yields " + e.Got + ", want bool"
}

// Match evaluates the predicate. Evaluation errors count as no match.
// A nil predicate matches everything.
func (p *Predicate) Match(e event.Event, now time.Time) bool {
	if p == nil {
		return true
	}
	ctx := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		ctx[string(k)] = v
	}
	out, _, err := p.prog.Eval(map[string]any{
		"kind":       e.Type.String(),
		"account":    e.AccountID,
		"ts_ms":      e.Timestamp.UnixMilli(),
		"datasource": e.DataSourceID,
		"ctx":        ctx,
		"now_ms":     now.UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Filter forwards only the events its predicate accepts.
type Filter struct {
	inner Sink
	pred  *Predicate
	now   func() time.Time
}

// NewFilter wraps inner with a CEL expression. An empty expression returns inner unchanged.
func NewFilter(inner Sink, expr string) (Sink, error) {
	pred, err := CompilePredicate(expr)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return inner, nil
	}
	return &Filter{inner: inner, pred: pred, now: time.Now}, nil
}

func (f *Filter) Name() string { return f.inner.Name() + "?filter=" + f.pred.String() }

// Execute skips the inner sink entirely when nothing matches.
func (f *Filter) Execute(ctx context.Context, accountID string, events []event.Event) error {
	now := f.now()
	kept := make([]event.Event, 0, len(events))
	for i := range events {
		if f.pred.Match(events[i], now) {
			kept = append(kept, events[i])
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return f.inner.Execute(ctx, accountID, kept)
}

func (f *Filter) Close() error { return f.inner.Close() }
