package engine

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/model"
)

// finish applies the after-commit effects of an operation: best-effort
// cancels, then dispatch of every runnable activity. Dispatch outcomes that
// complete nodes can make further activities runnable; those are sent in
// the same pass.
func (e *Engine) finish(ctx context.Context, fx effects) error {
	errs := e.applyEffects(ctx, fx)
	queue := slices.Clone(fx.runnable)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		more, err := e.dispatchNode(ctx, h)
		errs = multierr.Append(errs, err)
		queue = append(queue, more...)
	}
	return errs
}

func (e *Engine) applyEffects(ctx context.Context, fx effects) error {
	for _, f := range fx.finished {
		e.telemetry.instanceFinished(ctx, f.model, f.state)
	}
	var errs error
	for _, msg := range fx.cancels {
		if err := e.dispatcher.Cancel(ctx, msg); err != nil {
			e.logger.Warn("dispatch cancel failed", "key", msg.Key, "node", msg.Node, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", msg, err))
		}
	}
	return errs
}

// dispatchNode sends one activity in four steps: a transaction that
// resolves its input, the authorizer and the send outside any
// transaction, and a transaction recording the outcome. Returns activities
// made runnable by the reply.
func (e *Engine) dispatchNode(ctx context.Context, h nodeHandle) (_ []nodeHandle, err error) {
	ctx, span := e.telemetry.start(ctx, "procflow.dispatch", attribute.Int64("procflow.node_instance", h.ID()))
	defer func() { endSpan(span, err) }()

	var (
		msg   dispatch.Message
		req   AuthRequest
		ready bool
	)
	fx, err := e.runTx(ctx, "prepare", func(s *session) error {
		var err error
		msg, req, ready, err = s.prepare(h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.applyEffects(ctx, fx); err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}

	span.SetAttributes(
		attribute.String("procflow.instance", msg.Instance),
		attribute.String("procflow.node", msg.Node),
		attribute.Int("procflow.attempt", msg.Attempt),
	)

	allowed, authErr := e.authorizer.Authorize(ctx, req)
	if authErr != nil || !allowed {
		fx, err = e.runTx(ctx, "authorize", func(s *session) error {
			return s.recordRefusal(h, msg, req, authErr)
		})
		if err != nil {
			return nil, err
		}
		return fx.runnable, e.applyEffects(ctx, fx)
	}

	reply := e.dispatcher.Send(ctx, msg)
	e.telemetry.dispatched(ctx, reply.Status)
	e.logger.Info("dispatch reply",
		"instance", msg.Instance,
		"node", msg.Node,
		"handle", h.String(),
		"attempt", msg.Attempt,
		"status", reply.Status,
		"error", reply.Err,
	)

	fx, err = e.runTx(ctx, "record", func(s *session) error {
		return s.recordReply(h, msg, reply)
	})
	if err != nil {
		return nil, err
	}
	return fx.runnable, e.applyEffects(ctx, fx)
}

// prepare resolves the input of a pending activity and builds its message
// and authorization request. ok is false when nothing should be sent.
func (s *session) prepare(h nodeHandle) (msg dispatch.Message, req AuthRequest, ok bool, err error) {
	b, err := s.node(h)
	if err != nil || b.State() != instance.Pending {
		return msg, req, false, err
	}
	p, err := s.proc(b.Original().Instance())
	if err != nil || p.State() != instance.Running {
		return msg, req, false, err
	}
	m, node, err := s.modelNode(b)
	if err != nil || node.Kind != model.KindActivity {
		return msg, req, false, err
	}

	input, err := s.resolveDefines(b, m, node)
	if err != nil {
		return msg, req, false, s.failData(b, err)
	}
	msg, err = s.messageFor(b, b.Attempts()+1)
	if err != nil {
		return msg, req, false, err
	}
	msg.Payload = input

	orig := p.Original()
	req = AuthRequest{
		Owner:    orig.Owner(),
		Instance: orig.UUID(),
		Node:     node.ID,
		Endpoint: node.Endpoint,
		Scope:    node.Scope,
	}
	return msg, req, true, nil
}

// recordRefusal fails an activity the authorizer did not clear. An
// authorizer error counts as a failed attempt and may be retried; a denial
// is final.
func (s *session) recordRefusal(h nodeHandle, msg dispatch.Message, req AuthRequest, authErr error) error {
	b, ok, err := s.current(h, msg)
	if err != nil || !ok {
		return err
	}
	if authErr != nil {
		b.IncAttempts()
		return s.failDispatch(b, fmt.Errorf("authorize: %w", authErr))
	}
	return s.fail(b, ErrCodeAuthDenied,
		fmt.Sprintf("%s may not call %s (scope %q)", req.Owner, req.Endpoint, req.Scope), false)
}

// current loads h if msg is still its pending attempt. Outcomes for an
// attempt that is no longer current are dropped.
func (s *session) current(h nodeHandle, msg dispatch.Message) (*instance.NodeBuilder, bool, error) {
	b, err := s.node(h)
	if err != nil {
		return nil, false, err
	}
	if b.State() != instance.Pending || b.Attempts() != msg.Attempt-1 {
		s.e.logger.Debug("stale dispatch outcome dropped",
			"handle", h.String(),
			"state", b.State(),
			"attempt", msg.Attempt,
		)
		return nil, false, nil
	}
	return b, true, nil
}

// recordReply applies a dispatch reply. Replies for an attempt that is no
// longer current are dropped.
func (s *session) recordReply(h nodeHandle, msg dispatch.Message, reply dispatch.Reply) error {
	b, ok, err := s.current(h, msg)
	if err != nil || !ok {
		return err
	}
	b.IncAttempts()

	switch reply.Status {
	case dispatch.StatusSent:
		return s.transition(b, instance.Sent)
	case dispatch.StatusAcknowledged:
		_, node, err := s.modelNode(b)
		if err != nil {
			return err
		}
		b.SetResults(restrict(reply.Results, node.Results))
		return s.complete(b)
	default:
		return s.failDispatch(b, reply.Err)
	}
}
