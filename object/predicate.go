package object

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"
)

// Predicate is a compiled boolean expression over an object's fields, e.g.
// `Balance >= 334 && Owner == "alice"`. Field names are the JSON names of the
// packed payload. Predicates travel as source text and are compiled where
// they are evaluated.
type Predicate struct {
	src  string
	eval gval.Evaluable
}

// CompilePredicate parses expr with the full gval language.
func CompilePredicate(expr string) (*Predicate, error) {
	ev, err := gval.Full().NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("object: bad predicate %q: %w", expr, err)
	}
	return &Predicate{src: expr, eval: ev}, nil
}

func (p *Predicate) String() string { return p.src }

// Eval evaluates the predicate against the current value of obj.
// A nil obj (object absent) never satisfies a predicate.
func (p *Predicate) Eval(ctx context.Context, obj *CachedObject) (bool, error) {
	if obj == nil {
		return false, nil
	}
	doc, err := obj.Fields()
	if err != nil {
		return false, err
	}
	ok, err := p.eval.EvalBool(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("object: evaluate %q on %s: %w", p.src, obj.ID(), err)
	}
	return ok, nil
}
