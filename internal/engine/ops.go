package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// Start creates an instance of the model at ref for owner. The start node
// instance is created complete with input as its results (restricted to
// the start's declared results, if any) and advanced at once.
//
// The returned instance reflects the state after the initial walk and
// dispatch. It is non-nil whenever the instance was created, even if a
// dispatch step then returned an error.
func (e *Engine) Start(ctx context.Context, ref, owner string, input ir.Object) (_ *instance.ProcessInstance, err error) {
	ctx, span := e.telemetry.start(ctx, "procflow.start", attribute.String("procflow.model", ref))
	defer func() { endSpan(span, err) }()

	m, err := e.models.Lookup(ref)
	if err != nil {
		return nil, &RuntimeError{Code: ErrCodeUnknownModel, Message: "start", Err: err}
	}
	id := e.uuids.Generate()
	span.SetAttributes(attribute.String("procflow.instance", id))

	var ph processHandle
	fx, err := e.runTx(ctx, "start", func(s *session) error {
		p, err := s.createProcess(instance.ProcessSpec{
			UUID:      id,
			Owner:     owner,
			ModelRef:  ref,
			ModelHash: m.Hash(),
		})
		if err != nil {
			return err
		}
		start := m.Start()
		sb, err := s.createNode(p, instance.NodeSpec{
			Node:    start.ID,
			Variant: instance.VariantFor(start.Kind),
			State:   instance.Complete,
			Results: restrict(input, start.Results),
		})
		if err != nil {
			return err
		}
		s.enqueue(sb.Handle())
		ph = p.Original().Handle()
		return nil
	})
	if err != nil {
		return nil, err
	}

	errs := e.finish(ctx, fx)
	p, err := e.Instance(ctx, ph)
	return p, multierr.Append(errs, err)
}

// Advance marks the node instance complete, creates or joins its
// successors, and dispatches whatever became runnable. Advancing an
// already complete node creates nothing new.
func (e *Engine) Advance(ctx context.Context, h ir.Handle[instance.NodeInstance]) error {
	return e.operate(ctx, "advance", h, func(s *session, b *instance.NodeBuilder) error {
		if b.State() == instance.Complete {
			s.enqueue(h)
			return nil
		}
		return s.complete(b)
	})
}

// Deliver completes a dispatched activity with the results its remote
// side produced. Results are restricted to the activity's declared
// results. Delivering to an already complete activity only re-runs the
// idempotent successor walk.
func (e *Engine) Deliver(ctx context.Context, h ir.Handle[instance.NodeInstance], results ir.Object) error {
	return e.operate(ctx, "deliver", h, func(s *session, b *instance.NodeBuilder) error {
		_, node, err := s.modelNode(b)
		if err != nil {
			return err
		}
		if node.Kind != model.KindActivity {
			return &RuntimeError{
				Code:    ErrCodeInvalidTransition,
				Message: fmt.Sprintf("cannot deliver results to %s node", node.Kind),
				Node:    node.ID,
			}
		}
		if b.State() == instance.Complete {
			s.enqueue(h)
			return nil
		}
		if !b.State().CanTransition(instance.Complete) {
			return s.transition(b, instance.Complete)
		}
		b.SetResults(restrict(results, node.Results))
		return s.complete(b)
	})
}

// Acknowledge records that the remote side accepted a sent activity.
func (e *Engine) Acknowledge(ctx context.Context, h ir.Handle[instance.NodeInstance]) error {
	return e.operate(ctx, "acknowledge", h, func(s *session, b *instance.NodeBuilder) error {
		return s.transition(b, instance.Acknowledged)
	})
}

// Fail records an externally reported failure. Retryable failures go to
// fail_retry and are picked up by the Poller; others need an operator.
// An empty cause code becomes OPERATOR_FAILED.
func (e *Engine) Fail(ctx context.Context, h ir.Handle[instance.NodeInstance], cause instance.Failure, retryable bool) error {
	if cause.Code == "" {
		cause.Code = string(ErrCodeOperatorFailed)
	}
	return e.operate(ctx, "fail", h, func(s *session, b *instance.NodeBuilder) error {
		return s.fail(b, RuntimeErrorCode(cause.Code), cause.Message, retryable)
	})
}

// Retry moves a fail_retry or failed node instance back to pending, keeping
// its entry number and failure cause, and runs it again.
func (e *Engine) Retry(ctx context.Context, h ir.Handle[instance.NodeInstance]) error {
	return e.operate(ctx, "retry", h, func(s *session, b *instance.NodeBuilder) error {
		if st := b.State(); st != instance.FailRetry && st != instance.Failed {
			return &RuntimeError{
				Code: ErrCodeInvalidTransition,
				Node: b.Node(),
				Err:  &instance.TransitionError{From: st, To: instance.Pending},
			}
		}
		if err := s.transition(b, instance.Pending); err != nil {
			return err
		}
		s.enqueue(h)
		return nil
	})
}

// Skip resolves a stuck node instance without running it. Its successors
// are not created; joins waiting on it are settled again.
func (e *Engine) Skip(ctx context.Context, h ir.Handle[instance.NodeInstance]) error {
	return e.operate(ctx, "skip", h, func(s *session, b *instance.NodeBuilder) error {
		return s.terminate(b, instance.Skipped)
	})
}

// CancelNode cancels one live node instance. A composite cascades to its
// child instance.
func (e *Engine) CancelNode(ctx context.Context, h ir.Handle[instance.NodeInstance]) error {
	return e.operate(ctx, "cancel-node", h, func(s *session, b *instance.NodeBuilder) error {
		return s.terminate(b, instance.Cancelled)
	})
}

// CancelInstance cancels every live node instance of the process instance
// and of its child instances in one transaction. Activities already sent
// are cancelled at the dispatcher afterwards, best effort.
func (e *Engine) CancelInstance(ctx context.Context, h ir.Handle[instance.ProcessInstance]) (err error) {
	ctx, span := e.telemetry.start(ctx, "procflow.cancel", attribute.Int64("procflow.process_instance", h.ID()))
	defer func() { endSpan(span, err) }()

	fx, err := e.runTx(ctx, "cancel", func(s *session) error {
		return s.cancelInstance(h)
	})
	if err != nil {
		return err
	}
	return e.finish(ctx, fx)
}

// operate runs fn against one node instance and then applies the
// after-commit effects.
func (e *Engine) operate(ctx context.Context, op string, h ir.Handle[instance.NodeInstance], fn func(*session, *instance.NodeBuilder) error) (err error) {
	ctx, span := e.telemetry.start(ctx, "procflow."+op, attribute.Int64("procflow.node_instance", h.ID()))
	defer func() { endSpan(span, err) }()

	fx, err := e.runTx(ctx, op, func(s *session) error {
		b, err := s.node(h)
		if err != nil {
			return err
		}
		return fn(s, b)
	})
	if err != nil {
		return err
	}
	return e.finish(ctx, fx)
}

// Reconcile records replies that reached the caller outside of a send, such
// as the outcomes of a dispatch.Buffer flushed on Attach. Acknowledged
// replies complete their activity; failed ones count as a retryable
// dispatch failure. Sent replies change nothing.
func (e *Engine) Reconcile(ctx context.Context, outcomes []dispatch.Outcome) error {
	var errs error
	for _, o := range outcomes {
		h := o.Message.Handle
		var err error
		switch o.Reply.Status {
		case dispatch.StatusAcknowledged:
			err = e.Deliver(ctx, h, o.Reply.Results)
		case dispatch.StatusFailed:
			msg := "dispatch failed"
			if o.Reply.Err != nil {
				msg = o.Reply.Err.Error()
			}
			err = e.Fail(ctx, h, instance.Failure{Code: string(ErrCodeDispatchFailed), Message: msg}, true)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", o.Message, err))
		}
	}
	return errs
}
