package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/store"
)

// Instance loads a process instance.
func (e *Engine) Instance(ctx context.Context, h ir.Handle[instance.ProcessInstance]) (*instance.ProcessInstance, error) {
	var p *instance.ProcessInstance
	err := e.view(ctx, func(tx store.Tx) error {
		var ok bool
		var err error
		p, ok, err = instance.Processes.Lookup(tx, h)
		if err == nil && !ok {
			err = notFound("process instance", h)
		}
		return err
	})
	return p, err
}

// InstanceByUUID finds a process instance by its uuid.
func (e *Engine) InstanceByUUID(ctx context.Context, uuid string) (*instance.ProcessInstance, error) {
	var p *instance.ProcessInstance
	err := e.view(ctx, func(tx store.Tx) error {
		hs, err := instance.Processes.Find(tx, instance.FieldUUID, uuid)
		if err != nil {
			return err
		}
		if len(hs) == 0 {
			return &RuntimeError{Code: ErrCodeNotFound, Message: fmt.Sprintf("process instance %q", uuid), Err: store.ErrNotFound}
		}
		p, err = instance.Processes.Get(tx, hs[0])
		return err
	})
	return p, err
}

// Instances lists process instances in the given state, oldest first.
func (e *Engine) Instances(ctx context.Context, state instance.ProcessState) ([]*instance.ProcessInstance, error) {
	var out []*instance.ProcessInstance
	err := e.view(ctx, func(tx store.Tx) error {
		hs, err := instance.Processes.Find(tx, instance.FieldProcessState, string(state))
		if err != nil {
			return err
		}
		for _, h := range hs {
			p, err := instance.Processes.Get(tx, h)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Node loads a node instance.
func (e *Engine) Node(ctx context.Context, h ir.Handle[instance.NodeInstance]) (*instance.NodeInstance, error) {
	var n *instance.NodeInstance
	err := e.view(ctx, func(tx store.Tx) error {
		var ok bool
		var err error
		n, ok, err = instance.Nodes.Lookup(tx, h)
		if err == nil && !ok {
			err = notFound("node instance", h)
		}
		return err
	})
	return n, err
}

// Nodes lists the node instances of a process instance in creation order.
func (e *Engine) Nodes(ctx context.Context, p ir.Handle[instance.ProcessInstance]) ([]*instance.NodeInstance, error) {
	var out []*instance.NodeInstance
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = loadNodes(tx, p)
		return err
	})
	return out, err
}

func loadNodes(tx store.Tx, p ir.Handle[instance.ProcessInstance]) ([]*instance.NodeInstance, error) {
	hs, err := instance.Nodes.Find(tx, instance.FieldInstance, store.FormatInt(p.ID()))
	if err != nil {
		return nil, err
	}
	out := make([]*instance.NodeInstance, 0, len(hs))
	for _, h := range hs {
		n, err := instance.Nodes.Get(tx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *instance.NodeInstance) int {
		return cmp.Compare(a.Seq(), b.Seq())
	})
	return out, nil
}

// Children lists the instances spawned by the composites of p.
func (e *Engine) Children(ctx context.Context, p ir.Handle[instance.ProcessInstance]) ([]*instance.ProcessInstance, error) {
	var out []*instance.ProcessInstance
	err := e.view(ctx, func(tx store.Tx) error {
		nodes, err := loadNodes(tx, p)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			c, ok := n.Composite()
			if !ok || !c.Child.Valid() {
				continue
			}
			child, err := instance.Processes.Get(tx, c.Child)
			if err != nil {
				return err
			}
			out = append(out, child)
		}
		return nil
	})
	return out, err
}

// DueRetries lists fail_retry node instances whose retry time is at or
// before now, oldest handle first.
func (e *Engine) DueRetries(ctx context.Context, now time.Time) ([]ir.Handle[instance.NodeInstance], error) {
	var due []ir.Handle[instance.NodeInstance]
	err := e.view(ctx, func(tx store.Tx) error {
		hs, err := instance.Nodes.Find(tx, instance.FieldState, string(instance.FailRetry))
		if err != nil {
			return err
		}
		for _, h := range hs {
			n, err := instance.Nodes.Get(tx, h)
			if err != nil {
				return err
			}
			if !n.RetryAt().After(now) {
				due = append(due, h)
			}
		}
		return nil
	})
	return due, err
}

// ParseNodeHandle parses a node instance handle as printed by the CLI
// ("#12" or "12"). The invalid handle is rejected.
func ParseNodeHandle(s string) (ir.Handle[instance.NodeInstance], error) {
	return parseHandle[instance.NodeInstance](s)
}

// ParseProcessHandle parses a process instance handle.
func ParseProcessHandle(s string) (ir.Handle[instance.ProcessInstance], error) {
	return parseHandle[instance.ProcessInstance](s)
}

func parseHandle[T any](s string) (ir.Handle[T], error) {
	h, err := ir.ParseHandle[T](s)
	if err != nil {
		return h, err
	}
	if !h.Valid() {
		return h, fmt.Errorf("invalid handle %q", s)
	}
	return h, nil
}
