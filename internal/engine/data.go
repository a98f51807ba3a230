package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

func dataError(format string, args ...any) error {
	return &RuntimeError{Code: ErrCodeDataError, Message: fmt.Sprintf(format, args...)}
}

// failData turns a data error into a node failure. Any other error is
// returned unchanged and aborts the transaction.
func (s *session) failData(b *instance.NodeBuilder, err error) error {
	var re *RuntimeError
	if errors.As(err, &re) && re.Code == ErrCodeDataError {
		return s.fail(b, ErrCodeDataError, re.Message, false)
	}
	return err
}

// resolveDefines builds the input of a node instance. Each define reads a
// result of the nearest completed instance of its source node, found by
// walking predecessor handles back from b, and is optionally reshaped by
// the engine's transformer.
func (s *session) resolveDefines(b *instance.NodeBuilder, m *model.ProcessModel, node *model.ProcessNode) (ir.Object, error) {
	if len(node.Defines) == 0 {
		return nil, nil
	}
	out := make(ir.Object, len(node.Defines))
	for _, d := range node.Defines {
		ref, err := m.EffectiveRefName(d)
		if err != nil {
			return nil, dataError("define from %s: %v", d.From, err)
		}
		name, err := m.BindingName(d)
		if err != nil {
			return nil, dataError("define from %s: %v", d.From, err)
		}

		src, err := s.nearest(b, d.From)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, dataError("define %s: no completed %s upstream of %s", name, d.From, node.ID)
		}
		v, ok := src.Results()[ref]
		if !ok {
			return nil, dataError("define %s: %s %s has no result %q", name, d.From, src.Handle(), ref)
		}
		if d.Path != "" {
			v, err = s.e.transformer.Transform(v, d.Path)
			if err != nil {
				return nil, dataError("define %s: %v", name, err)
			}
		}
		out[name] = v
	}
	return out, nil
}

// nearest walks predecessor handles breadth first and returns the first
// completed instance of model node from, or nil.
func (s *session) nearest(b *instance.NodeBuilder, from string) (*instance.NodeBuilder, error) {
	seen := map[nodeHandle]bool{}
	queue := b.Predecessors()
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true

		p, err := s.node(h)
		if err != nil {
			return nil, err
		}
		if p.Node() == from && p.State() == instance.Complete {
			return p, nil
		}
		queue = append(queue, p.Predecessors()...)
	}
	return nil, nil
}

// restrict keeps only the declared names of obj. With no declared names
// everything is kept.
func restrict(obj ir.Object, names []string) ir.Object {
	if len(names) == 0 || obj == nil {
		return obj.Clone()
	}
	out := ir.Object{}
	for _, n := range names {
		if v, ok := obj[n]; ok {
			out[n] = v
		}
	}
	return out
}
