package instance

import (
	"slices"
	"time"

	"github.com/roach88/procflow/internal/ir"
)

// nodeDiff holds only the fields a transaction touched. A nil pointer means
// "unchanged".
type nodeDiff struct {
	state        *State
	predecessors []ir.Handle[NodeInstance]
	predsSet     bool
	results      ir.Object
	resultsSet   bool
	failure      *Failure
	failureSet   bool
	attempts     *int
	retryAt      *time.Time
	split        *SplitPayload
	join         *JoinPayload
	composite    *CompositePayload
}

func (d *nodeDiff) empty() bool {
	return d.state == nil && !d.predsSet && !d.resultsSet && !d.failureSet &&
		d.attempts == nil && d.retryAt == nil &&
		d.split == nil && d.join == nil && d.composite == nil
}

// NodeBuilder stages changes to a NodeInstance inside one transaction.
// Setters that would not change the current value record nothing, so
// Build on an untouched builder returns the original pointer.
// Not safe for concurrent use.
type NodeBuilder struct {
	orig *NodeInstance
	diff nodeDiff
}

// Builder starts staging changes to n.
func (n *NodeInstance) Builder() *NodeBuilder {
	return &NodeBuilder{orig: n}
}

// Original returns the record the builder started from.
func (b *NodeBuilder) Original() *NodeInstance {
	return b.orig
}

// Changed reports whether any field differs from the original.
func (b *NodeBuilder) Changed() bool {
	return b.Build() != b.orig
}

// Handle returns the handle of the record being built.
func (b *NodeBuilder) Handle() ir.Handle[NodeInstance] {
	return b.orig.handle
}

// Node returns the model node id.
func (b *NodeBuilder) Node() string {
	return b.orig.node
}

// State returns the staged state.
func (b *NodeBuilder) State() State {
	if b.diff.state != nil {
		return *b.diff.state
	}
	return b.orig.state
}

// SetState stages a transition. Setting the current state is a no-op.
// Disallowed transitions return *TransitionError and stage nothing.
func (b *NodeBuilder) SetState(s State) error {
	cur := b.State()
	if s == cur {
		return nil
	}
	if !cur.CanTransition(s) {
		return &TransitionError{From: cur, To: s}
	}
	if s == b.orig.state {
		b.diff.state = nil
		return nil
	}
	b.diff.state = &s
	return nil
}

// Results returns the staged results.
func (b *NodeBuilder) Results() ir.Object {
	if b.diff.resultsSet {
		return b.diff.results.Clone()
	}
	return b.orig.results.Clone()
}

// SetResults stages new results. Equal results are a no-op.
func (b *NodeBuilder) SetResults(results ir.Object) {
	if ir.Equal(objectOrNull(results), objectOrNull(b.Results())) {
		return
	}
	b.diff.results = results.Clone()
	b.diff.resultsSet = true
}

// Failure returns the staged failure cause.
func (b *NodeBuilder) Failure() (Failure, bool) {
	f := b.orig.failure
	if b.diff.failureSet {
		f = b.diff.failure
	}
	if f == nil {
		return Failure{}, false
	}
	return *f, true
}

// SetFailure stages a failure cause.
func (b *NodeBuilder) SetFailure(f Failure) {
	if cur, ok := b.Failure(); ok && cur == f {
		return
	}
	b.diff.failure = &f
	b.diff.failureSet = true
}

// ClearFailure removes any failure cause.
func (b *NodeBuilder) ClearFailure() {
	if _, ok := b.Failure(); !ok {
		return
	}
	b.diff.failure = nil
	b.diff.failureSet = b.orig.failure != nil
}

// Predecessors returns the staged predecessor handles.
func (b *NodeBuilder) Predecessors() []ir.Handle[NodeInstance] {
	if b.diff.predsSet {
		return slices.Clone(b.diff.predecessors)
	}
	return slices.Clone(b.orig.predecessors)
}

// AddPredecessor appends h unless already present. Reports whether it was
// added.
func (b *NodeBuilder) AddPredecessor(h ir.Handle[NodeInstance]) bool {
	preds := b.Predecessors()
	if slices.Contains(preds, h) {
		return false
	}
	b.diff.predecessors = append(preds, h)
	b.diff.predsSet = true
	return true
}

// Attempts returns the staged dispatch attempt count.
func (b *NodeBuilder) Attempts() int {
	if b.diff.attempts != nil {
		return *b.diff.attempts
	}
	return b.orig.attempts
}

// IncAttempts increments the dispatch attempt count and returns it.
func (b *NodeBuilder) IncAttempts() int {
	n := b.Attempts() + 1
	b.diff.attempts = &n
	return n
}

// RetryAt returns the staged retry time.
func (b *NodeBuilder) RetryAt() time.Time {
	if b.diff.retryAt != nil {
		return *b.diff.retryAt
	}
	return b.orig.retryAt
}

// SetRetryAt stages the earliest time an automatic retry may run. The zero
// time clears it.
func (b *NodeBuilder) SetRetryAt(t time.Time) {
	if t.Equal(b.RetryAt()) {
		return
	}
	b.diff.retryAt = &t
}

// SplitPayload returns the staged split payload.
func (b *NodeBuilder) SplitPayload() SplitPayload {
	if b.diff.split != nil {
		return b.diff.split.clone()
	}
	return b.orig.split.clone()
}

// AddSplitBranch records a spawned branch.
func (b *NodeBuilder) AddSplitBranch(node string, h ir.Handle[NodeInstance]) {
	p := b.SplitPayload()
	p.Branches = append(p.Branches, node)
	p.Spawned = append(p.Spawned, h)
	b.diff.split = &p
}

// MarkSplitEvaluated records that branch conditions were evaluated.
func (b *NodeBuilder) MarkSplitEvaluated() {
	p := b.SplitPayload()
	if p.Evaluated {
		return
	}
	p.Evaluated = true
	b.diff.split = &p
}

// JoinPayload returns the staged join payload.
func (b *NodeBuilder) JoinPayload() JoinPayload {
	if b.diff.join != nil {
		return b.diff.join.clone()
	}
	return b.orig.join.clone()
}

// AddJoinArrival records a distinct arrival. Reports false if h already
// arrived (on time or late).
func (b *NodeBuilder) AddJoinArrival(h ir.Handle[NodeInstance]) bool {
	p := b.JoinPayload()
	if slices.Contains(p.Arrivals, h) || slices.Contains(p.Late, h) {
		return false
	}
	p.Arrivals = append(p.Arrivals, h)
	b.diff.join = &p
	return true
}

// AddJoinLate records an arrival after the join fired. Reports false if h
// was already recorded.
func (b *NodeBuilder) AddJoinLate(h ir.Handle[NodeInstance]) bool {
	p := b.JoinPayload()
	if slices.Contains(p.Arrivals, h) || slices.Contains(p.Late, h) {
		return false
	}
	p.Late = append(p.Late, h)
	b.diff.join = &p
	return true
}

// Child returns the staged composite child handle.
func (b *NodeBuilder) Child() ir.Handle[ProcessInstance] {
	if b.diff.composite != nil {
		return b.diff.composite.Child
	}
	return b.orig.composite.Child
}

// SetChild links the composite to its child instance.
func (b *NodeBuilder) SetChild(h ir.Handle[ProcessInstance]) {
	if h == b.Child() {
		return
	}
	b.diff.composite = &CompositePayload{Child: h}
}

// Build applies the staged diff. With no changes it returns the original
// pointer.
func (b *NodeBuilder) Build() *NodeInstance {
	if b.diff.empty() {
		return b.orig
	}
	n := *b.orig
	d := b.diff
	if d.state != nil {
		n.state = *d.state
	}
	if d.predsSet {
		n.predecessors = slices.Clone(d.predecessors)
	}
	if d.resultsSet {
		n.results = d.results.Clone()
	}
	if d.failureSet {
		if d.failure == nil {
			n.failure = nil
		} else {
			f := *d.failure
			n.failure = &f
		}
	}
	if d.attempts != nil {
		n.attempts = *d.attempts
	}
	if d.retryAt != nil {
		n.retryAt = *d.retryAt
	}
	if d.split != nil {
		n.split = d.split.clone()
	}
	if d.join != nil {
		n.join = d.join.clone()
	}
	if d.composite != nil {
		n.composite = *d.composite
	}
	if n.Equal(b.orig) {
		return b.orig
	}
	return &n
}
