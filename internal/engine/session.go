package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
)

type (
	nodeHandle    = ir.Handle[instance.NodeInstance]
	processHandle = ir.Handle[instance.ProcessInstance]
)

// session is the builder graph of one transaction attempt. It is discarded
// on rollback and rebuilt from scratch on retry.
//
// Records are loaded once and mutated only through their builders; flush
// writes back exactly the builders whose Build result differs from the
// loaded record.
type session struct {
	e   *Engine
	ctx context.Context
	tx  store.Tx

	nodes map[nodeHandle]*instance.NodeBuilder
	procs map[processHandle]*instance.ProcessBuilder

	// Pending work, drained in this order: node steps (FIFO), join
	// settlement, instance completion checks.
	work  []nodeHandle
	joins map[nodeHandle]bool
	dirty map[processHandle]bool

	fx effects
}

// effects are applied after a successful commit.
type effects struct {
	runnable []nodeHandle
	cancels  []dispatch.Message
	finished []finishedInstance
}

type finishedInstance struct {
	model string
	state instance.ProcessState
}

func newSession(ctx context.Context, e *Engine, tx store.Tx) *session {
	return &session{
		e:     e,
		ctx:   ctx,
		tx:    tx,
		nodes: make(map[nodeHandle]*instance.NodeBuilder),
		procs: make(map[processHandle]*instance.ProcessBuilder),
		joins: make(map[nodeHandle]bool),
		dirty: make(map[processHandle]bool),
	}
}

// runTx runs fn in a fresh session, drains the resulting work and commits.
// On store.ErrConflict the whole attempt is discarded and re-run.
func (e *Engine) runTx(ctx context.Context, op string, fn func(*session) error) (effects, error) {
	for attempt := 1; ; attempt++ {
		fx, err := e.try(ctx, op, fn)
		if err == nil {
			return fx, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return effects{}, err
		}

		e.telemetry.conflict(ctx, op)
		if attempt >= e.maxTxAttempts {
			e.logger.Error("transaction conflict, giving up", "op", op, "attempts", attempt)
			return effects{}, &RuntimeError{
				Code:    ErrCodeTxConflict,
				Message: fmt.Sprintf("%s: gave up after %d attempts", op, attempt),
				Err:     err,
			}
		}
		e.logger.Warn("transaction conflict, retrying", "op", op, "attempt", attempt)
		if err := sleep(ctx, e.conflictBackoff.Delay(attempt)); err != nil {
			return effects{}, err
		}
	}
}

func (e *Engine) try(ctx context.Context, op string, fn func(*session) error) (fx effects, err error) {
	began := time.Now()
	defer func() { e.telemetry.txDone(ctx, op, time.Since(began), err) }()

	err = store.Update(ctx, e.store, func(tx store.Tx) error {
		s := newSession(ctx, e, tx)
		if err := fn(s); err != nil {
			return err
		}
		if err := s.drain(); err != nil {
			return err
		}
		if err := s.flush(); err != nil {
			return err
		}
		fx = s.fx
		return nil
	})
	return fx, err
}

// view runs fn in a transaction that is always rolled back.
func (e *Engine) view(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *session) node(h nodeHandle) (*instance.NodeBuilder, error) {
	if b, ok := s.nodes[h]; ok {
		return b, nil
	}
	n, ok, err := instance.Nodes.Lookup(s.tx, h)
	if err != nil {
		return nil, fmt.Errorf("load node instance %s: %w", h, err)
	}
	if !ok {
		return nil, notFound("node instance", h)
	}
	b := n.Builder()
	s.nodes[h] = b
	return b, nil
}

func (s *session) proc(h processHandle) (*instance.ProcessBuilder, error) {
	if b, ok := s.procs[h]; ok {
		return b, nil
	}
	p, ok, err := instance.Processes.Lookup(s.tx, h)
	if err != nil {
		return nil, fmt.Errorf("load process instance %s: %w", h, err)
	}
	if !ok {
		return nil, notFound("process instance", h)
	}
	b := p.Builder()
	s.procs[h] = b
	return b, nil
}

func (s *session) modelOf(p *instance.ProcessBuilder) (*model.ProcessModel, error) {
	orig := p.Original()
	m, err := s.e.models.Lookup(orig.ModelRef())
	if err != nil {
		return nil, &RuntimeError{Code: ErrCodeUnknownModel, Instance: orig.UUID(), Err: err}
	}
	if orig.ModelHash() != "" && m.Hash() != orig.ModelHash() {
		s.e.logger.Warn("model changed since instance start",
			"instance", orig.UUID(),
			"model", orig.ModelRef(),
		)
	}
	return m, nil
}

// modelNode resolves the model and model node of a node instance.
func (s *session) modelNode(b *instance.NodeBuilder) (*model.ProcessModel, *model.ProcessNode, error) {
	p, err := s.proc(b.Original().Instance())
	if err != nil {
		return nil, nil, err
	}
	m, err := s.modelOf(p)
	if err != nil {
		return nil, nil, err
	}
	node, err := m.RequireNode(b.Node())
	if err != nil {
		return nil, nil, &RuntimeError{Code: ErrCodeUnknownNode, Instance: p.Original().UUID(), Node: b.Node(), Err: err}
	}
	return m, node, nil
}

func (s *session) createProcess(spec instance.ProcessSpec) (*instance.ProcessBuilder, error) {
	p := instance.NewProcess(spec)
	h, err := instance.Processes.Put(s.tx, p)
	if err != nil {
		return nil, fmt.Errorf("create process instance: %w", err)
	}
	b := p.WithHandle(h).Builder()
	s.procs[h] = b
	s.e.logger.Info("process instance created",
		"instance", spec.UUID,
		"handle", h.String(),
		"model", spec.ModelRef,
	)
	return b, nil
}

// createNode stores a new node instance in p. Instance and Seq are set here.
func (s *session) createNode(p *instance.ProcessBuilder, spec instance.NodeSpec) (*instance.NodeBuilder, error) {
	spec.Instance = p.Original().Handle()
	spec.Seq = p.NextSeq()
	n := instance.NewNode(spec)
	h, err := instance.Nodes.Put(s.tx, n)
	if err != nil {
		return nil, fmt.Errorf("create node instance %s: %w", spec.Node, err)
	}
	b := n.WithHandle(h).Builder()
	s.nodes[h] = b
	s.dirty[spec.Instance] = true
	s.e.telemetry.transition(s.ctx, spec.Node, n.State())
	s.e.logger.Debug("node instance created",
		"instance", p.Original().UUID(),
		"node", spec.Node,
		"handle", h.String(),
		"entry", n.EntryNo(),
		"state", n.State(),
	)
	return b, nil
}

// instanceNodes returns every node instance of p in creation order.
func (s *session) instanceNodes(p processHandle) ([]*instance.NodeBuilder, error) {
	hs, err := instance.Nodes.Find(s.tx, instance.FieldInstance, store.FormatInt(p.ID()))
	if err != nil {
		return nil, fmt.Errorf("list nodes of %s: %w", p, err)
	}
	out := make([]*instance.NodeBuilder, 0, len(hs))
	for _, h := range hs {
		b, err := s.node(h)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *instance.NodeBuilder) int {
		return cmp.Compare(a.Original().Seq(), b.Original().Seq())
	})
	return out, nil
}

// occurrences returns the instances of model node id in p, oldest first.
func (s *session) occurrences(p processHandle, id string) ([]*instance.NodeBuilder, error) {
	all, err := s.instanceNodes(p)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(b *instance.NodeBuilder) bool { return b.Node() != id }), nil
}

// transition stages a state change, logging and counting it.
func (s *session) transition(b *instance.NodeBuilder, to instance.State) error {
	from := b.State()
	if err := b.SetState(to); err != nil {
		return &RuntimeError{Code: ErrCodeInvalidTransition, Node: b.Node(), Err: err}
	}
	if from == to {
		return nil
	}
	s.dirty[b.Original().Instance()] = true
	s.e.telemetry.transition(s.ctx, b.Node(), to)
	s.e.logger.Debug("node transition",
		"node", b.Node(),
		"handle", b.Handle().String(),
		"from", from,
		"to", to,
	)
	return nil
}

// complete moves b to Complete, clears any failure and queues it so its
// successors are created.
func (s *session) complete(b *instance.NodeBuilder) error {
	b.ClearFailure()
	b.SetRetryAt(time.Time{})
	if err := s.transition(b, instance.Complete); err != nil {
		return err
	}
	s.enqueue(b.Handle())
	return nil
}

// fail records a node-level failure. Retryable failures go to fail_retry
// with a retry time from the engine's backoff.
func (s *session) fail(b *instance.NodeBuilder, code RuntimeErrorCode, msg string, retryable bool) error {
	b.SetFailure(instance.Failure{Code: string(code), Message: msg})
	target := instance.Failed
	if retryable {
		target = instance.FailRetry
		b.SetRetryAt(s.e.clock.Now().Add(s.e.retryBackoff.Delay(max(b.Attempts(), 1))))
	} else {
		b.SetRetryAt(time.Time{})
	}
	if err := s.transition(b, target); err != nil {
		return err
	}
	s.e.logger.Warn("node failed",
		"node", b.Node(),
		"handle", b.Handle().String(),
		"code", code,
		"error", msg,
		"retryable", retryable,
	)
	return nil
}

// failDispatch records a failed send. Once the attempt budget is spent the
// node is failed for good.
func (s *session) failDispatch(b *instance.NodeBuilder, cause error) error {
	msg := "dispatch failed"
	if cause != nil {
		msg = cause.Error()
	}
	retryable := b.Attempts() < s.e.maxDispatchAttempts
	if !retryable {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, b.Attempts())
	}
	return s.fail(b, ErrCodeDispatchFailed, msg, retryable)
}

func (s *session) enqueue(h nodeHandle) {
	s.work = append(s.work, h)
}

func (s *session) addRunnable(h nodeHandle) {
	if !slices.Contains(s.fx.runnable, h) {
		s.fx.runnable = append(s.fx.runnable, h)
	}
}

// flush writes back every changed record, in handle order.
func (s *session) flush() error {
	for _, h := range sortedHandles(s.procs) {
		b := s.procs[h]
		if p := b.Build(); p != b.Original() {
			if err := instance.Processes.Set(s.tx, h, p); err != nil {
				return fmt.Errorf("save process instance %s: %w", h, err)
			}
		}
	}
	for _, h := range sortedHandles(s.nodes) {
		b := s.nodes[h]
		if n := b.Build(); n != b.Original() {
			if err := instance.Nodes.Set(s.tx, h, n); err != nil {
				return fmt.Errorf("save node instance %s: %w", h, err)
			}
		}
	}
	return nil
}

func sortedHandles[T, V any](m map[ir.Handle[T]]V) []ir.Handle[T] {
	return slices.SortedFunc(maps.Keys(m), func(a, b ir.Handle[T]) int {
		return cmp.Compare(a.ID(), b.ID())
	})
}

// popMin removes and returns the lowest handle in set.
func popMin[T any](set map[ir.Handle[T]]bool) ir.Handle[T] {
	h := sortedHandles(set)[0]
	delete(set, h)
	return h
}
