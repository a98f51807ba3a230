package model

import (
	"fmt"
	"slices"

	"github.com/roach88/procflow/internal/ir"
)

// ProcessModel is an immutable, validated process graph.
type ProcessModel struct {
	name  string
	nodes []*ProcessNode
	index map[string]*ProcessNode
	succ  graph
	reach map[string]map[string]bool
	start *ProcessNode
	ends  []*ProcessNode
	hash  string
}

// Name returns the model name.
func (m *ProcessModel) Name() string {
	return m.name
}

// Hash is a content hash of the model, stable across key order.
func (m *ProcessModel) Hash() string {
	return m.hash
}

// Describe renders the model as a plain value. It is the form Hash is
// computed over.
func (m *ProcessModel) Describe() ir.Object {
	return describe(m.name, m.nodes)
}

// Nodes returns all nodes in declaration order.
func (m *ProcessModel) Nodes() []*ProcessNode {
	return slices.Clone(m.nodes)
}

// Node returns the node with id.
func (m *ProcessModel) Node(id string) (*ProcessNode, bool) {
	n, ok := m.index[id]
	return n, ok
}

// RequireNode returns the node with id or an *UnknownNodeError.
func (m *ProcessModel) RequireNode(id string) (*ProcessNode, error) {
	n, ok := m.index[id]
	if !ok {
		return nil, &UnknownNodeError{Model: m.name, Node: id}
	}
	return n, nil
}

// Start returns the start node.
func (m *ProcessModel) Start() *ProcessNode {
	return m.start
}

// Ends returns the end nodes in declaration order.
func (m *ProcessModel) Ends() []*ProcessNode {
	return slices.Clone(m.ends)
}

// Successors returns the nodes listing id as a predecessor, in declaration
// order.
func (m *ProcessModel) Successors(id string) []*ProcessNode {
	ids := m.succ[id]
	out := make([]*ProcessNode, 0, len(ids))
	for _, s := range ids {
		out = append(out, m.index[s])
	}
	return out
}

// Reaches reports whether a path of one or more edges leads from -> to.
func (m *ProcessModel) Reaches(from, to string) bool {
	return m.reach[from][to]
}

// EffectiveRefName resolves which result of d.From a define reads: the
// declared Ref if set, otherwise the source's single declared result.
func (m *ProcessModel) EffectiveRefName(d Define) (string, error) {
	if d.Ref != "" {
		return d.Ref, nil
	}
	src, err := m.RequireNode(d.From)
	if err != nil {
		return "", err
	}
	return effectiveRef(src, d)
}

func effectiveRef(src *ProcessNode, d Define) (string, error) {
	if d.Ref != "" {
		return d.Ref, nil
	}
	if len(src.Results) == 1 {
		return src.Results[0], nil
	}
	return "", fmt.Errorf("define from %q is ambiguous: source exports %d results and no ref is given", d.From, len(src.Results))
}

// BindingName is the input key a define binds to.
func (m *ProcessModel) BindingName(d Define) (string, error) {
	if d.Name != "" {
		return d.Name, nil
	}
	return m.EffectiveRefName(d)
}

// describe renders the model as a value for hashing.
func describe(name string, nodes []*ProcessNode) ir.Object {
	arr := make(ir.Array, 0, len(nodes))
	for _, n := range nodes {
		defines := make(ir.Array, 0, len(n.Defines))
		for _, d := range n.Defines {
			defines = append(defines, ir.Object{
				"name": ir.String(d.Name), "from": ir.String(d.From),
				"ref": ir.String(d.Ref), "path": ir.String(d.Path),
			})
		}
		branches := make(ir.Array, 0, len(n.Branches))
		for _, b := range n.Branches {
			branches = append(branches, ir.Object{
				"to": ir.String(b.To), "when": ir.String(b.When.Expr),
				"otherwise": ir.Bool(b.When.Otherwise),
			})
		}
		obj := ir.Object{
			"id":           ir.String(n.ID),
			"kind":         ir.String(string(n.Kind)),
			"predecessors": stringsValue(n.Predecessors),
			"defines":      defines,
			"results":      stringsValue(n.Results),
			"endpoint":     ir.String(n.Endpoint),
			"scope":        ir.String(n.Scope),
			"branches":     branches,
			"select":       ir.String(n.Select.Expr),
			"min":          ir.Int(n.Bounds.Min),
			"max":          ir.Int(n.Bounds.Max),
			"strict":       ir.Bool(n.Bounds.Strict),
		}
		if n.Child != nil {
			obj["child"] = ir.String(n.Child.hash)
		}
		arr = append(arr, obj)
	}
	return ir.Object{"name": ir.String(name), "nodes": arr}
}

func stringsValue(ss []string) ir.Array {
	arr := make(ir.Array, len(ss))
	for i, s := range ss {
		arr[i] = ir.String(s)
	}
	return arr
}
