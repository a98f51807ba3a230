package model

import (
	"fmt"
	"slices"
	"strings"
)

// NodeKind is the type of a process node.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindActivity  NodeKind = "activity"
	KindSplit     NodeKind = "split"
	KindJoin      NodeKind = "join"
	KindComposite NodeKind = "composite"
	KindEnd       NodeKind = "end"
)

// Valid reports whether k is a known kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindActivity, KindSplit, KindJoin, KindComposite, KindEnd:
		return true
	}
	return false
}

// ParseNodeKind accepts the canonical names plus "composite_activity".
func ParseNodeKind(s string) (NodeKind, error) {
	k := NodeKind(strings.ToLower(strings.TrimSpace(s)))
	if k == "composite_activity" || k == "compositeactivity" {
		k = KindComposite
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown node kind %q", s)
	}
	return k, nil
}

// Define pulls a named datum out of an ancestor's results.
//
// Ref names the result on the From node; when empty the node's single
// declared result is used (see ProcessModel.EffectiveRefName). Name is the
// key the value is bound to in this node's input and defaults to the
// effective ref. Path, when set, reshapes the value through the engine's
// transformer.
type Define struct {
	Name string
	From string
	Ref  string
	Path string
}

// Condition is a boolean CUE expression over instance data.
// An empty expression always holds; Otherwise holds only when no earlier
// branch matched.
type Condition struct {
	Expr      string
	Otherwise bool
}

// Always is the condition that always holds.
var Always = Condition{}

// Otherwise is the default-branch condition.
var Otherwise = Condition{Otherwise: true}

// When returns a condition for expr.
func When(expr string) Condition {
	return Condition{Expr: expr}
}

// IsAlways reports whether c holds unconditionally.
func (c Condition) IsAlways() bool {
	return !c.Otherwise && strings.TrimSpace(c.Expr) == ""
}

func (c Condition) String() string {
	switch {
	case c.Otherwise:
		return "otherwise"
	case c.IsAlways():
		return "always"
	default:
		return c.Expr
	}
}

// Branch is one outgoing edge of a split.
type Branch struct {
	To   string
	When Condition
}

// Bounds constrain how many branches a split spawns or how many arrivals a
// join needs. Strict joins treat arrivals outside [Min, Max] as an error
// instead of ignoring extras.
type Bounds struct {
	Min    int
	Max    int
	Strict bool
}

// Contains reports whether n lies in [Min, Max].
func (b Bounds) Contains(n int) bool {
	return n >= b.Min && n <= b.Max
}

func (b Bounds) String() string {
	s := fmt.Sprintf("[%d,%d]", b.Min, b.Max)
	if b.Strict {
		s += " strict"
	}
	return s
}

// ProcessNode is one node of a model.
type ProcessNode struct {
	ID           string
	Kind         NodeKind
	Predecessors []string
	Defines      []Define
	Results      []string

	// Endpoint and Scope describe the outbound call of an activity.
	Endpoint string
	Scope    string

	// Branches is the split's edge table in declaration order.
	Branches []Branch

	// Select picks which arrival feeds a join forward.
	Select Condition

	Bounds Bounds

	// Child is the nested model of a composite.
	Child *ProcessModel
}

// HasPredecessor reports whether id is a direct predecessor of n.
func (n *ProcessNode) HasPredecessor(id string) bool {
	return slices.Contains(n.Predecessors, id)
}

// Exports reports whether n declares result name.
func (n *ProcessNode) Exports(name string) bool {
	return slices.Contains(n.Results, name)
}

// Branch returns the split branch leading to id.
func (n *ProcessNode) Branch(to string) (Branch, bool) {
	for _, b := range n.Branches {
		if b.To == to {
			return b, true
		}
	}
	return Branch{}, false
}

func (n *ProcessNode) clone() *ProcessNode {
	c := *n
	c.Predecessors = slices.Clone(n.Predecessors)
	c.Defines = slices.Clone(n.Defines)
	c.Results = slices.Clone(n.Results)
	c.Branches = slices.Clone(n.Branches)
	return &c
}
