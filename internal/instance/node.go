package instance

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

// Variant selects which payload a NodeInstance carries.
type Variant string

const (
	VariantDefault   Variant = "default"
	VariantSplit     Variant = "split"
	VariantJoin      Variant = "join"
	VariantComposite Variant = "composite"
)

// VariantFor maps a model node kind to its instance variant.
func VariantFor(kind model.NodeKind) Variant {
	switch kind {
	case model.KindSplit:
		return VariantSplit
	case model.KindJoin:
		return VariantJoin
	case model.KindComposite:
		return VariantComposite
	default:
		return VariantDefault
	}
}

// ParseVariant parses a persisted variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantDefault, VariantSplit, VariantJoin, VariantComposite:
		return v, nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Failure is the persisted cause of a failed node instance.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f Failure) String() string {
	if f.Code == "" {
		return f.Message
	}
	return f.Code + ": " + f.Message
}

// SplitPayload records what a split spawned.
type SplitPayload struct {
	Evaluated bool
	Branches  []string // target node ids, in evaluation order
	Spawned   []ir.Handle[NodeInstance]
}

func (p SplitPayload) clone() SplitPayload {
	return SplitPayload{
		Evaluated: p.Evaluated,
		Branches:  slices.Clone(p.Branches),
		Spawned:   slices.Clone(p.Spawned),
	}
}

func (p SplitPayload) equal(o SplitPayload) bool {
	return p.Evaluated == o.Evaluated &&
		slices.Equal(p.Branches, o.Branches) &&
		slices.Equal(p.Spawned, o.Spawned)
}

// JoinPayload records the distinct predecessors that arrived before and after
// the join fired.
type JoinPayload struct {
	Arrivals []ir.Handle[NodeInstance]
	Late     []ir.Handle[NodeInstance]
}

func (p JoinPayload) clone() JoinPayload {
	return JoinPayload{Arrivals: slices.Clone(p.Arrivals), Late: slices.Clone(p.Late)}
}

func (p JoinPayload) equal(o JoinPayload) bool {
	return slices.Equal(p.Arrivals, o.Arrivals) && slices.Equal(p.Late, o.Late)
}

// CompositePayload links a composite to its child instance.
type CompositePayload struct {
	Child ir.Handle[ProcessInstance]
}

// NodeInstance is one occurrence of a model node within a process instance.
// Values are immutable; use Builder to derive changed copies.
type NodeInstance struct {
	handle       ir.Handle[NodeInstance]
	instance     ir.Handle[ProcessInstance]
	node         string
	variant      Variant
	entryNo      int
	seq          int64
	state        State
	predecessors []ir.Handle[NodeInstance]
	results      ir.Object
	failure      *Failure
	attempts     int
	retryAt      time.Time

	split     SplitPayload
	join      JoinPayload
	composite CompositePayload
}

// NodeSpec describes a node instance to create.
type NodeSpec struct {
	Instance     ir.Handle[ProcessInstance]
	Node         string
	Variant      Variant
	EntryNo      int
	Seq          int64
	State        State
	Predecessors []ir.Handle[NodeInstance]
	Results      ir.Object
}

// NewNode returns an unsaved node instance. State defaults to Pending and
// EntryNo to 1.
func NewNode(spec NodeSpec) *NodeInstance {
	n := &NodeInstance{
		instance:     spec.Instance,
		node:         spec.Node,
		variant:      spec.Variant,
		entryNo:      spec.EntryNo,
		seq:          spec.Seq,
		state:        spec.State,
		predecessors: slices.Clone(spec.Predecessors),
		results:      spec.Results.Clone(),
	}
	if n.variant == "" {
		n.variant = VariantDefault
	}
	if n.state == "" {
		n.state = Pending
	}
	if n.entryNo == 0 {
		n.entryNo = 1
	}
	return n
}

// WithHandle returns a copy bound to the handle the store allocated.
func (n *NodeInstance) WithHandle(h ir.Handle[NodeInstance]) *NodeInstance {
	c := *n
	c.handle = h
	return &c
}

func (n *NodeInstance) Handle() ir.Handle[NodeInstance]      { return n.handle }
func (n *NodeInstance) Instance() ir.Handle[ProcessInstance] { return n.instance }
func (n *NodeInstance) Node() string                         { return n.node }
func (n *NodeInstance) Variant() Variant                     { return n.variant }
func (n *NodeInstance) EntryNo() int                         { return n.entryNo }
func (n *NodeInstance) Seq() int64                           { return n.seq }
func (n *NodeInstance) State() State                         { return n.state }
func (n *NodeInstance) Attempts() int                        { return n.attempts }
func (n *NodeInstance) RetryAt() time.Time                   { return n.retryAt }

// Predecessors returns the handles of the instances that fed this one.
func (n *NodeInstance) Predecessors() []ir.Handle[NodeInstance] {
	return slices.Clone(n.predecessors)
}

// Results returns a copy of the produced results (nil if none).
func (n *NodeInstance) Results() ir.Object {
	return n.results.Clone()
}

// Failure returns the failure cause, if any.
func (n *NodeInstance) Failure() (Failure, bool) {
	if n.failure == nil {
		return Failure{}, false
	}
	return *n.failure, true
}

// Split returns the split payload; ok is false for other variants.
func (n *NodeInstance) Split() (SplitPayload, bool) {
	return n.split.clone(), n.variant == VariantSplit
}

// Join returns the join payload; ok is false for other variants.
func (n *NodeInstance) Join() (JoinPayload, bool) {
	return n.join.clone(), n.variant == VariantJoin
}

// Composite returns the composite payload; ok is false for other variants.
func (n *NodeInstance) Composite() (CompositePayload, bool) {
	return n.composite, n.variant == VariantComposite
}

// Equal compares every persisted field.
func (n *NodeInstance) Equal(o *NodeInstance) bool {
	if n == o {
		return true
	}
	if n == nil || o == nil {
		return false
	}
	return n.handle == o.handle &&
		n.instance == o.instance &&
		n.node == o.node &&
		n.variant == o.variant &&
		n.entryNo == o.entryNo &&
		n.seq == o.seq &&
		n.state == o.state &&
		slices.Equal(n.predecessors, o.predecessors) &&
		ir.Equal(objectOrNull(n.results), objectOrNull(o.results)) &&
		failureEqual(n.failure, o.failure) &&
		n.attempts == o.attempts &&
		n.retryAt.Equal(o.retryAt) &&
		n.split.equal(o.split) &&
		n.join.equal(o.join) &&
		n.composite == o.composite
}

func (n *NodeInstance) String() string {
	return fmt.Sprintf("%s[%s#%d %s]", n.handle, n.node, n.entryNo, n.state)
}

func objectOrNull(o ir.Object) ir.Value {
	if len(o) == 0 {
		return ir.Null{}
	}
	return o
}

func failureEqual(a, b *Failure) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
