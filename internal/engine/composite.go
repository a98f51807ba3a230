package engine

import (
	"fmt"
	"time"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// activateComposite spawns the child instance of a composite node. The
// child's start results are the composite's resolved defines. The
// composite waits in sent until the child completes.
//
// A composite re-activated after a retry reuses a child that is still
// running or already complete; a cancelled or abandoned child is replaced.
func (s *session) activateComposite(b *instance.NodeBuilder, m *model.ProcessModel, node *model.ProcessNode) error {
	if h := b.Child(); h.Valid() {
		child, err := s.proc(h)
		if err != nil {
			return err
		}
		switch child.State() {
		case instance.Running:
			return s.transition(b, instance.Sent)
		case instance.ProcessComplete:
			b.SetResults(restrict(child.Results(), node.Results))
			return s.complete(b)
		}
		s.e.logger.Info("replacing finished child instance",
			"handle", b.Handle().String(),
			"child", child.Original().UUID(),
			"state", child.State(),
		)
	}
	input, err := s.resolveDefines(b, m, node)
	if err != nil {
		return s.failData(b, err)
	}

	parent, err := s.proc(b.Original().Instance())
	if err != nil {
		return err
	}
	ref := model.ChildRef(parent.Original().ModelRef(), node.ID)
	cm, err := s.e.models.Lookup(ref)
	if err != nil {
		return &RuntimeError{Code: ErrCodeUnknownModel, Instance: parent.Original().UUID(), Node: node.ID, Err: err}
	}

	child, err := s.createProcess(instance.ProcessSpec{
		UUID:           s.e.uuids.Generate(),
		Owner:          parent.Original().Owner(),
		ModelRef:       ref,
		ModelHash:      cm.Hash(),
		ParentActivity: b.Handle(),
	})
	if err != nil {
		return err
	}
	b.SetChild(child.Original().Handle())
	if err := s.transition(b, instance.Sent); err != nil {
		return err
	}

	start := cm.Start()
	sb, err := s.createNode(child, instance.NodeSpec{
		Node:    start.ID,
		Variant: instance.VariantFor(start.Kind),
		State:   instance.Complete,
		Results: restrict(input, start.Results),
	})
	if err != nil {
		return err
	}
	s.enqueue(sb.Handle())
	return nil
}

// completeParent copies a finished child's exports into the composite
// node instance that spawned it and completes that node.
func (s *session) completeParent(h nodeHandle, exports ir.Object) error {
	b, err := s.node(h)
	if err != nil {
		return err
	}
	switch b.State() {
	case instance.Pending, instance.Sent, instance.Acknowledged:
	default:
		s.e.logger.Info("child finished after parent activity settled",
			"handle", h.String(),
			"state", b.State(),
		)
		return nil
	}
	_, node, err := s.modelNode(b)
	if err != nil {
		return err
	}
	b.SetResults(restrict(exports, node.Results))
	return s.complete(b)
}

// terminate moves a live node instance to Cancelled or Skipped. A
// composite takes its child instance down with it; an activity that was
// already sent is queued for a best-effort dispatcher cancel.
func (s *session) terminate(b *instance.NodeBuilder, to instance.State) error {
	from := b.State()
	if !from.Live() {
		if from == to {
			return nil
		}
		return &RuntimeError{
			Code: ErrCodeInvalidTransition,
			Node: b.Node(),
			Err:  &instance.TransitionError{From: from, To: to},
		}
	}
	b.SetRetryAt(time.Time{})
	if err := s.transition(b, to); err != nil {
		return err
	}
	if err := s.resettle(b.Original().Instance()); err != nil {
		return err
	}

	switch b.Original().Variant() {
	case instance.VariantComposite:
		if child := b.Child(); child.Valid() {
			return s.cancelInstance(child)
		}
	case instance.VariantDefault:
		if from == instance.Sent || from == instance.Acknowledged {
			msg, err := s.messageFor(b, b.Attempts())
			if err != nil {
				return err
			}
			s.fx.cancels = append(s.fx.cancels, msg)
		}
	}
	return nil
}

// resettle queues every pending join of p, since a terminated node may
// have been the last live path into it.
func (s *session) resettle(p processHandle) error {
	nodes, err := s.instanceNodes(p)
	if err != nil {
		return err
	}
	for _, o := range nodes {
		if o.Original().Variant() == instance.VariantJoin && o.State() == instance.Pending {
			s.joins[o.Handle()] = true
		}
	}
	return nil
}

// cancelInstance cancels every live node instance of p, recursing into
// child instances, and marks p cancelled. Cancelling an instance that was
// spawned by a still-running composite fails that composite.
func (s *session) cancelInstance(ph processHandle) error {
	p, err := s.proc(ph)
	if err != nil {
		return err
	}
	if p.State().Terminal() {
		return nil
	}
	if err := p.SetState(instance.ProcessCancelled); err != nil {
		return err
	}
	orig := p.Original()
	s.fx.finished = append(s.fx.finished, finishedInstance{model: orig.ModelRef(), state: instance.ProcessCancelled})
	s.e.logger.Info("process instance cancelled", "instance", orig.UUID(), "handle", ph.String())

	nodes, err := s.instanceNodes(ph)
	if err != nil {
		return err
	}
	for _, o := range nodes {
		if o.State().Live() {
			if err := s.terminate(o, instance.Cancelled); err != nil {
				return err
			}
		}
	}

	return s.failParent(orig, ErrCodeChildCancelled, "cancelled")
}

// failParent fails the composite that spawned child, unless that composite
// has already failed or settled. A top-level instance has no parent.
func (s *session) failParent(child *instance.ProcessInstance, code RuntimeErrorCode, how string) error {
	parent := child.ParentActivity()
	if !parent.Valid() {
		return nil
	}
	pb, err := s.node(parent)
	if err != nil {
		return err
	}
	if !pb.State().Live() || pb.State() == instance.Failed {
		return nil
	}
	return s.fail(pb, code, fmt.Sprintf("child instance %s was %s", child.UUID(), how), false)
}

// messageFor rebuilds the outbound message of b for the given attempt.
func (s *session) messageFor(b *instance.NodeBuilder, attempt int) (dispatch.Message, error) {
	p, err := s.proc(b.Original().Instance())
	if err != nil {
		return dispatch.Message{}, err
	}
	_, node, err := s.modelNode(b)
	if err != nil {
		return dispatch.Message{}, err
	}
	orig := p.Original()
	return dispatch.Message{
		Key:      ir.DispatchKey(orig.UUID(), node.ID, b.Original().EntryNo(), attempt),
		Instance: orig.UUID(),
		Handle:   b.Handle(),
		Node:     node.ID,
		EntryNo:  b.Original().EntryNo(),
		Attempt:  attempt,
		Target:   node.Endpoint,
		Auth:     dispatch.Auth{Principal: orig.Owner(), Scope: node.Scope},
	}, nil
}
