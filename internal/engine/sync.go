package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// evaluateSplit checks the split's branches in declaration order and spawns
// one successor per matching branch. An otherwise branch matches only when
// no earlier branch did. If the match count falls outside the split's
// bounds the split fails and nothing is spawned.
func (s *session) evaluateSplit(b *instance.NodeBuilder, m *model.ProcessModel, node *model.ProcessNode) error {
	scope, err := s.splitScope(b, m, node)
	if err != nil {
		return s.failData(b, err)
	}

	var matched []*model.ProcessNode
	for _, br := range node.Branches {
		ok := len(matched) == 0
		if !br.When.Otherwise {
			ok, err = br.When.Eval(scope)
			if err != nil {
				return s.fail(b, ErrCodeDataError, fmt.Sprintf("branch to %s: %v", br.To, err), false)
			}
		}
		if !ok {
			continue
		}
		t, err := m.RequireNode(br.To)
		if err != nil {
			return &RuntimeError{Code: ErrCodeUnknownNode, Node: node.ID, Err: err}
		}
		matched = append(matched, t)
	}

	switch n := len(matched); {
	case n < node.Bounds.Min:
		return s.fail(b, ErrCodeSplitUnderflow,
			fmt.Sprintf("split %s matched %d branches, needs at least %d", node.ID, n, node.Bounds.Min), false)
	case n > node.Bounds.Max:
		return s.fail(b, ErrCodeSplitOverflow,
			fmt.Sprintf("split %s matched %d branches, allows at most %d", node.ID, n, node.Bounds.Max), false)
	}

	b.MarkSplitEvaluated()
	b.SetResults(scope)
	for _, t := range matched {
		h, err := s.arrive(b, t)
		if err != nil {
			return err
		}
		b.AddSplitBranch(t.ID, h)
	}
	b.ClearFailure()
	s.e.logger.Debug("split evaluated",
		"node", node.ID,
		"handle", b.Handle().String(),
		"spawned", len(matched),
	)
	return s.transition(b, instance.Complete)
}

// splitScope is the data branch conditions see: the split's resolved
// defines, or its predecessors' merged results if it declares none.
func (s *session) splitScope(b *instance.NodeBuilder, m *model.ProcessModel, node *model.ProcessNode) (ir.Object, error) {
	if len(node.Defines) > 0 {
		return s.resolveDefines(b, m, node)
	}
	var preds []*instance.NodeBuilder
	for _, h := range b.Predecessors() {
		p, err := s.node(h)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return mergeResults(preds), nil
}

// settleJoin decides whether a pending join fires, fails or keeps waiting.
//
// A join fires once at least Min distinct predecessors arrived and either
// Max arrived or no live node instance can still reach it. Strict joins
// always wait until nothing upstream is live and then fail if the arrival
// count is outside the bounds.
func (s *session) settleJoin(h nodeHandle) error {
	b, err := s.node(h)
	if err != nil {
		return err
	}
	if b.State() != instance.Pending {
		return nil
	}
	m, node, err := s.modelNode(b)
	if err != nil {
		return err
	}

	arrivals := b.JoinPayload().Arrivals
	n := len(arrivals)
	bounds := node.Bounds
	live, err := s.upstreamLive(b, m, node.ID)
	if err != nil {
		return err
	}

	if bounds.Strict {
		switch {
		case live:
			return nil
		case n < bounds.Min:
			return s.fail(b, ErrCodeJoinUnderflow,
				fmt.Sprintf("join %s received %d arrivals, needs at least %d", node.ID, n, bounds.Min), false)
		case n > bounds.Max:
			return s.fail(b, ErrCodeJoinOverflow,
				fmt.Sprintf("join %s received %d arrivals, allows at most %d", node.ID, n, bounds.Max), false)
		}
		return s.fire(b, m, node, arrivals)
	}

	switch {
	case n >= bounds.Min && (n >= bounds.Max || !live):
		return s.fire(b, m, node, arrivals[:min(n, bounds.Max)])
	case n < bounds.Min && !live:
		return s.fail(b, ErrCodeJoinUnderflow,
			fmt.Sprintf("join %s received %d arrivals and no more can arrive, needs at least %d", node.ID, n, bounds.Min), false)
	}
	return nil
}

// upstreamLive reports whether any live node instance other than the join
// itself sits on a path to node id.
func (s *session) upstreamLive(join *instance.NodeBuilder, m *model.ProcessModel, id string) (bool, error) {
	nodes, err := s.instanceNodes(join.Original().Instance())
	if err != nil {
		return false, err
	}
	for _, o := range nodes {
		if o.Handle() == join.Handle() || !o.State().Live() {
			continue
		}
		if m.Reaches(o.Node(), id) {
			return true, nil
		}
	}
	return false, nil
}

// fire completes the join with the data of the given arrivals.
func (s *session) fire(b *instance.NodeBuilder, m *model.ProcessModel, node *model.ProcessNode, arrivals []nodeHandle) error {
	ordered, err := s.declarationOrder(node, arrivals)
	if err != nil {
		return err
	}

	var results ir.Object
	if node.Select.IsAlways() {
		results = mergeResults(ordered)
	} else {
		results, err = selectArrival(node.Select, ordered)
		if err != nil {
			return s.fail(b, ErrCodeDataError, fmt.Sprintf("join %s select: %v", node.ID, err), false)
		}
	}

	s.e.logger.Debug("join fired",
		"node", node.ID,
		"handle", b.Handle().String(),
		"arrivals", len(arrivals),
	)
	b.SetResults(results)
	return s.complete(b)
}

// declarationOrder sorts arrivals by the position of their model node in
// the join's predecessor list, keeping arrival order within one node.
func (s *session) declarationOrder(node *model.ProcessNode, arrivals []nodeHandle) ([]*instance.NodeBuilder, error) {
	out := make([]*instance.NodeBuilder, 0, len(arrivals))
	for _, h := range arrivals {
		a, err := s.node(h)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	slices.SortStableFunc(out, func(a, b *instance.NodeBuilder) int {
		return slices.Index(node.Predecessors, a.Node()) - slices.Index(node.Predecessors, b.Node())
	})
	return out, nil
}

// selectArrival returns the results of the first arrival the condition
// holds for, falling back to the first arrival.
func selectArrival(cond model.Condition, ordered []*instance.NodeBuilder) (ir.Object, error) {
	if len(ordered) == 0 {
		return nil, nil
	}
	for _, a := range ordered {
		ok, err := cond.Eval(a.Results())
		if err != nil {
			return nil, err
		}
		if ok {
			return a.Results(), nil
		}
	}
	return ordered[0].Results(), nil
}

// mergeResults unions the results of nodes; earlier entries win.
func mergeResults(nodes []*instance.NodeBuilder) ir.Object {
	out := ir.Object{}
	for _, n := range nodes {
		for k, v := range n.Results() {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}
