package engine

import (
	"slices"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// drain processes queued work until nothing is left. Joins are settled only
// once no node step is pending, and completion is checked only once no join
// is pending, so a join never decides on a half-spawned fan-out.
func (s *session) drain() error {
	for {
		switch {
		case len(s.work) > 0:
			h := s.work[0]
			s.work = s.work[1:]
			if err := s.step(h); err != nil {
				return err
			}
		case len(s.joins) > 0:
			if err := s.settleJoin(popMin(s.joins)); err != nil {
				return err
			}
		case len(s.dirty) > 0:
			if err := s.checkCompletion(popMin(s.dirty)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// step activates a pending node instance or propagates a completed one.
func (s *session) step(h nodeHandle) error {
	b, err := s.node(h)
	if err != nil {
		return err
	}
	p, err := s.proc(b.Original().Instance())
	if err != nil {
		return err
	}
	if p.State().Terminal() {
		return nil
	}

	switch b.State() {
	case instance.Pending:
		return s.activate(b)
	case instance.Complete:
		return s.propagate(b)
	}
	return nil
}

// activate runs a newly runnable node instance.
func (s *session) activate(b *instance.NodeBuilder) error {
	m, node, err := s.modelNode(b)
	if err != nil {
		return err
	}
	switch node.Kind {
	case model.KindActivity:
		s.addRunnable(b.Handle())
		return nil
	case model.KindSplit:
		return s.evaluateSplit(b, m, node)
	case model.KindJoin:
		s.joins[b.Handle()] = true
		return nil
	case model.KindComposite:
		return s.activateComposite(b, m, node)
	case model.KindEnd:
		input, err := s.resolveDefines(b, m, node)
		if err != nil {
			return s.failData(b, err)
		}
		b.SetResults(input)
		return s.complete(b)
	case model.KindStart:
		return s.complete(b)
	}
	return nil
}

// propagate hands a completed node instance to each of its successors.
// Re-propagating is harmless: successors that already saw this
// predecessor are left alone.
func (s *session) propagate(b *instance.NodeBuilder) error {
	m, node, err := s.modelNode(b)
	if err != nil {
		return err
	}
	targets := m.Successors(node.ID)
	if node.Kind == model.KindSplit {
		chosen := b.SplitPayload().Branches
		targets = slices.DeleteFunc(targets, func(t *model.ProcessNode) bool {
			return !slices.Contains(chosen, t.ID)
		})
	}
	for _, t := range targets {
		if _, err := s.arrive(b, t); err != nil {
			return err
		}
	}
	return nil
}

// arrive delivers the completion of from to target. Joins share one
// instance across arrivals until they fire; every other kind gets a new
// occurrence per distinct predecessor. Returns the receiving instance.
func (s *session) arrive(from *instance.NodeBuilder, target *model.ProcessNode) (nodeHandle, error) {
	ph := from.Original().Instance()
	p, err := s.proc(ph)
	if err != nil {
		return nodeHandle{}, err
	}
	existing, err := s.occurrences(ph, target.ID)
	if err != nil {
		return nodeHandle{}, err
	}

	if target.Kind == model.KindJoin {
		return s.arriveAtJoin(p, from, target, existing)
	}

	for _, o := range existing {
		if slices.Contains(o.Predecessors(), from.Handle()) {
			return o.Handle(), nil
		}
	}
	n, err := s.createNode(p, instance.NodeSpec{
		Node:         target.ID,
		Variant:      instance.VariantFor(target.Kind),
		EntryNo:      len(existing) + 1,
		Predecessors: []nodeHandle{from.Handle()},
	})
	if err != nil {
		return nodeHandle{}, err
	}
	s.enqueue(n.Handle())
	return n.Handle(), nil
}

func (s *session) arriveAtJoin(p *instance.ProcessBuilder, from *instance.NodeBuilder, target *model.ProcessNode, existing []*instance.NodeBuilder) (nodeHandle, error) {
	var latest *instance.NodeBuilder
	for _, o := range existing {
		jp := o.JoinPayload()
		if slices.Contains(jp.Arrivals, from.Handle()) || slices.Contains(jp.Late, from.Handle()) {
			return o.Handle(), nil
		}
		latest = o
	}

	if latest != nil && latest.State() != instance.Pending {
		latest.AddJoinLate(from.Handle())
		s.e.logger.Info("late join arrival ignored",
			"instance", p.Original().UUID(),
			"node", target.ID,
			"handle", latest.Handle().String(),
			"from", from.Handle().String(),
			"state", latest.State(),
		)
		return latest.Handle(), nil
	}

	j := latest
	if j == nil {
		var err error
		j, err = s.createNode(p, instance.NodeSpec{
			Node:    target.ID,
			Variant: instance.VariantJoin,
			EntryNo: 1,
		})
		if err != nil {
			return nodeHandle{}, err
		}
	}
	j.AddJoinArrival(from.Handle())
	j.AddPredecessor(from.Handle())
	s.joins[j.Handle()] = true
	s.e.logger.Debug("join arrival",
		"node", target.ID,
		"handle", j.Handle().String(),
		"from", from.Handle().String(),
		"arrivals", len(j.JoinPayload().Arrivals),
	)
	return j.Handle(), nil
}

// checkCompletion settles a running instance once no node instance is
// live. It completes if an End completed, exporting the union of the
// completed End results with earlier Ends winning on key clashes.
// Otherwise every path was skipped or cancelled before reaching an End and
// the instance is abandoned.
func (s *session) checkCompletion(ph processHandle) error {
	p, err := s.proc(ph)
	if err != nil {
		return err
	}
	if p.State() != instance.Running {
		return nil
	}
	m, err := s.modelOf(p)
	if err != nil {
		return err
	}
	nodes, err := s.instanceNodes(ph)
	if err != nil {
		return err
	}

	ended := false
	exports := ir.Object{}
	for _, o := range nodes {
		if o.State().Live() {
			return nil
		}
		n, ok := m.Node(o.Node())
		if !ok || n.Kind != model.KindEnd || o.State() != instance.Complete {
			continue
		}
		ended = true
		for k, v := range o.Results() {
			if _, seen := exports[k]; !seen {
				exports[k] = v
			}
		}
	}
	if !ended {
		return s.abandon(p)
	}

	p.SetResults(exports)
	if err := p.SetState(instance.ProcessComplete); err != nil {
		return err
	}
	orig := p.Original()
	s.fx.finished = append(s.fx.finished, finishedInstance{model: orig.ModelRef(), state: instance.ProcessComplete})
	s.e.logger.Info("process instance complete",
		"instance", orig.UUID(),
		"handle", ph.String(),
		"model", orig.ModelRef(),
	)

	if parent := orig.ParentActivity(); parent.Valid() {
		return s.completeParent(parent, exports)
	}
	return nil
}

// abandon finishes a running instance that can no longer reach an End.
// A child instance fails the composite waiting on it.
func (s *session) abandon(p *instance.ProcessBuilder) error {
	if err := p.SetState(instance.ProcessAbandoned); err != nil {
		return err
	}
	orig := p.Original()
	s.fx.finished = append(s.fx.finished, finishedInstance{model: orig.ModelRef(), state: instance.ProcessAbandoned})
	s.e.logger.Info("process instance abandoned",
		"instance", orig.UUID(),
		"handle", orig.Handle().String(),
		"model", orig.ModelRef(),
	)
	return s.failParent(orig, ErrCodeChildAbandoned, "abandoned")
}
