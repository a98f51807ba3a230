package engine

import (
	"context"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/procflow/internal/ir"
)

// AuthRequest describes an outbound call that needs a policy decision.
type AuthRequest struct {
	Owner    string
	Instance string
	Node     string
	Endpoint string
	Scope    string
}

// Authorizer grants or denies an activity's outbound call. A deny fails
// the node for good; an error is treated as transient and retried.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthRequest) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req AuthRequest) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req AuthRequest) (bool, error) {
	return f(ctx, req)
}

// AllowAll grants every request.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, AuthRequest) (bool, error) {
	return true, nil
})

// Transformer reshapes a predecessor's result fragment for a define that
// declares a path. Errors become DATA_ERROR node failures.
type Transformer interface {
	Transform(fragment ir.Value, path string) (ir.Value, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(fragment ir.Value, path string) (ir.Value, error)

func (f TransformerFunc) Transform(fragment ir.Value, path string) (ir.Value, error) {
	return f(fragment, path)
}

// PathTransformer selects a sub-value with a CUE path such as
// "customer.address" or `items[0].sku`.
type PathTransformer struct{}

func (PathTransformer) Transform(fragment ir.Value, path string) (ir.Value, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return fragment, nil
	}
	p := cue.ParsePath(path)
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}

	ctx := cuecontext.New()
	v := ctx.Encode(ir.ToGo(fragment))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	sel := v.LookupPath(p)
	if !sel.Exists() {
		return nil, fmt.Errorf("path %q not found", path)
	}

	var out any
	if err := sel.Decode(&out); err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	val, err := ir.FromGo(out)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	return val, nil
}
