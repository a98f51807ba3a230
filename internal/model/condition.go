package model

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"

	"github.com/roach88/procflow/internal/ir"
)

// Check parses the expression without evaluating it.
func (c Condition) Check() error {
	if c.IsAlways() || c.Otherwise {
		return nil
	}
	if _, err := parser.ParseExpr("condition", c.Expr); err != nil {
		return fmt.Errorf("condition %q: %w", c.Expr, err)
	}
	return nil
}

// Eval evaluates the condition with scope as the set of visible fields.
// Otherwise evaluates to false; the caller decides when a default branch
// applies.
func (c Condition) Eval(scope ir.Object) (bool, error) {
	if c.Otherwise {
		return false, nil
	}
	if c.IsAlways() {
		return true, nil
	}
	if scope == nil {
		scope = ir.Object{}
	}

	ctx := cuecontext.New()
	data := ctx.Encode(ir.ToGo(scope))
	if err := data.Err(); err != nil {
		return false, fmt.Errorf("condition %q: encode scope: %w", c.Expr, err)
	}

	v := ctx.CompileString(c.Expr, cue.Scope(data), cue.Filename("condition"))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("condition %q: %w", c.Expr, err)
	}
	ok, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("condition %q: not a boolean: %w", c.Expr, err)
	}
	return ok, nil
}
