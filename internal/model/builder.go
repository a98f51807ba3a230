package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/procflow/internal/ir"
)

// Builder accumulates nodes and produces a validated ProcessModel.
// The zero value is not usable; call NewBuilder.
type Builder struct {
	name  string
	nodes []*ProcessNode
}

// NewBuilder starts a model called name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Add appends a node. Nodes keep their declaration order, which fixes
// successor order, split branch order and join tie-breaks.
func (b *Builder) Add(n ProcessNode) *Builder {
	b.nodes = append(b.nodes, n.clone())
	return b
}

// Build validates the graph and returns the model, or every problem found as
// ValidationErrors.
func (b *Builder) Build() (*ProcessModel, error) {
	v := &validator{name: b.name, nodes: make([]*ProcessNode, 0, len(b.nodes))}
	for _, n := range b.nodes {
		v.nodes = append(v.nodes, n.clone())
	}

	m := v.run()
	if len(v.errs) > 0 {
		return nil, v.errs
	}

	hash, err := ir.Hash(ir.DomainModel, describe(m.name, m.nodes))
	if err != nil {
		return nil, fmt.Errorf("hash model %q: %w", m.name, err)
	}
	m.hash = hash
	return m, nil
}

type validator struct {
	name  string
	nodes []*ProcessNode
	index map[string]*ProcessNode
	order []string
	errs  ValidationErrors
}

func (v *validator) add(node, field, code, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{
		Node:    node,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	})
}

func (v *validator) run() *ProcessModel {
	if strings.TrimSpace(v.name) == "" {
		v.add("", "name", ErrEmptyName, "model name is required")
	}

	v.index = make(map[string]*ProcessNode, len(v.nodes))
	unique := v.nodes[:0]
	for i, n := range v.nodes {
		if n.ID == "" {
			v.add("", fmt.Sprintf("nodes[%d].id", i), ErrDuplicateNode, "node id is required")
			continue
		}
		if _, dup := v.index[n.ID]; dup {
			v.add(n.ID, "id", ErrDuplicateNode, "duplicate node id %q", n.ID)
			continue
		}
		if !n.Kind.Valid() {
			v.add(n.ID, "kind", ErrUnknownKind, "unknown node kind %q", n.Kind)
		}
		v.index[n.ID] = n
		v.order = append(v.order, n.ID)
		unique = append(unique, n)
	}
	v.nodes = unique

	var start *ProcessNode
	var ends []*ProcessNode
	starts := 0
	for _, n := range v.nodes {
		for _, p := range n.Predecessors {
			if _, ok := v.index[p]; !ok {
				v.add(n.ID, "predecessors", ErrUnknownPred, "unknown predecessor %q", p)
			}
		}
		switch n.Kind {
		case KindStart:
			starts++
			start = n
			if len(n.Predecessors) > 0 {
				v.add(n.ID, "predecessors", ErrStartHasPreds, "start node must not have predecessors")
			}
		case KindEnd:
			ends = append(ends, n)
		}
		if n.Kind != KindStart && len(n.Predecessors) == 0 {
			v.add(n.ID, "predecessors", ErrMissingPreds, "%s node must have at least one predecessor", n.Kind)
		}
	}
	if starts != 1 {
		v.add("", "nodes", ErrStartCount, "exactly one start node required, found %d", starts)
		start = nil
	}
	if len(ends) == 0 {
		v.add("", "nodes", ErrNoEnd, "at least one end node required")
	}

	g := buildGraph(v.nodes)
	for _, cycle := range findCycles(g, v.order) {
		v.add(cycle[0], "predecessors", ErrCycle, "cycle detected: %s", strings.Join(cycle, " -> "))
	}
	reach := closure(g, v.order)

	if start != nil {
		for _, n := range v.nodes {
			if n != start && !reach[start.ID][n.ID] {
				v.add(n.ID, "", ErrUnreachable, "node is not reachable from start %q", start.ID)
			}
		}
	}

	for _, n := range v.nodes {
		if n.Kind == KindEnd && len(g[n.ID]) > 0 {
			v.add(n.ID, "", ErrEndHasSuccessors, "end node has successors %v", g[n.ID])
		}
		v.checkDefines(n, reach)
		switch n.Kind {
		case KindSplit:
			v.checkSplit(n, g)
		case KindJoin:
			v.checkJoin(n)
		case KindComposite:
			if n.Child == nil {
				v.add(n.ID, "child", ErrNoChild, "composite node requires a child model")
			}
		}
	}

	return &ProcessModel{
		name:  v.name,
		nodes: v.nodes,
		index: v.index,
		succ:  g,
		reach: reach,
		start: start,
		ends:  ends,
	}
}

func (v *validator) checkDefines(n *ProcessNode, reach map[string]map[string]bool) {
	bound := make(map[string]bool)
	for i, d := range n.Defines {
		field := fmt.Sprintf("defines[%d]", i)
		src, ok := v.index[d.From]
		if !ok || !reach[d.From][n.ID] {
			v.add(n.ID, field, ErrDefineSource, "define source %q is not an ancestor", d.From)
			continue
		}
		ref, err := effectiveRef(src, d)
		if err != nil {
			v.add(n.ID, field, ErrAmbiguousDefine, "%v", err)
			continue
		}
		if d.Ref != "" && len(src.Results) > 0 && !src.Exports(d.Ref) {
			v.add(n.ID, field, ErrDefineRef, "%q does not export %q", d.From, d.Ref)
		}
		name := d.Name
		if name == "" {
			name = ref
		}
		if bound[name] {
			v.add(n.ID, field, ErrDuplicateDefine, "name %q is bound twice", name)
		}
		bound[name] = true
	}
}

func (v *validator) checkSplit(n *ProcessNode, g graph) {
	succ := g[n.ID]
	listed := make(map[string]bool)
	defaults := 0
	var branches []Branch
	for i, br := range n.Branches {
		field := fmt.Sprintf("branches[%d]", i)
		if !slices.Contains(succ, br.To) {
			v.add(n.ID, field, ErrBranchTarget, "%q is not a successor of the split", br.To)
			continue
		}
		if listed[br.To] {
			v.add(n.ID, field, ErrBranchTarget, "branch to %q declared twice", br.To)
			continue
		}
		listed[br.To] = true
		if br.When.Otherwise {
			defaults++
		}
		if err := br.When.Check(); err != nil {
			v.add(n.ID, field, ErrConditionSyntax, "%v", err)
		}
		branches = append(branches, br)
	}
	if defaults > 1 {
		v.add(n.ID, "branches", ErrMultipleDefault, "at most one otherwise branch allowed, found %d", defaults)
	}
	for _, s := range succ {
		if !listed[s] {
			branches = append(branches, Branch{To: s, When: Always})
		}
	}
	n.Branches = branches

	n.Bounds = defaultBounds(n.Bounds, len(succ))
	v.checkBounds(n, len(succ), "successors")
}

func (v *validator) checkJoin(n *ProcessNode) {
	if err := n.Select.Check(); err != nil {
		v.add(n.ID, "select", ErrConditionSyntax, "%v", err)
	}
	n.Bounds = defaultBounds(n.Bounds, len(n.Predecessors))
	v.checkBounds(n, len(n.Predecessors), "predecessors")
}

// defaultBounds fills an unset Max with the fan width and an unset range
// with [1, width].
func defaultBounds(b Bounds, width int) Bounds {
	if b.Max == 0 {
		if b.Min == 0 {
			b.Min = 1
		}
		b.Max = width
	}
	return b
}

func (v *validator) checkBounds(n *ProcessNode, width int, what string) {
	b := n.Bounds
	if b.Min < 0 || b.Max < 1 || b.Min > b.Max {
		v.add(n.ID, "bounds", ErrBounds, "bounds %s violate 0 <= min <= max, max >= 1", b)
		return
	}
	if b.Min > width {
		v.add(n.ID, "bounds", ErrBoundsFanout, "min %d exceeds %d %s", b.Min, width, what)
	}
}
