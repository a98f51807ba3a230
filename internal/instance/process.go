package instance

import (
	"fmt"

	"github.com/roach88/procflow/internal/ir"
)

// ProcessInstance is one execution of a process model.
type ProcessInstance struct {
	handle         ir.Handle[ProcessInstance]
	uuid           string
	owner          string
	modelRef       string
	modelHash      string
	parentActivity ir.Handle[NodeInstance]
	state          ProcessState
	results        ir.Object
	seq            int64
}

// ProcessSpec describes a process instance to create.
type ProcessSpec struct {
	UUID           string
	Owner          string
	ModelRef       string
	ModelHash      string
	ParentActivity ir.Handle[NodeInstance]
}

// NewProcess returns an unsaved, running process instance.
func NewProcess(spec ProcessSpec) *ProcessInstance {
	return &ProcessInstance{
		uuid:           spec.UUID,
		owner:          spec.Owner,
		modelRef:       spec.ModelRef,
		modelHash:      spec.ModelHash,
		parentActivity: spec.ParentActivity,
		state:          Running,
	}
}

// WithHandle returns a copy bound to the handle the store allocated.
func (p *ProcessInstance) WithHandle(h ir.Handle[ProcessInstance]) *ProcessInstance {
	c := *p
	c.handle = h
	return &c
}

func (p *ProcessInstance) Handle() ir.Handle[ProcessInstance] { return p.handle }
func (p *ProcessInstance) UUID() string                       { return p.uuid }
func (p *ProcessInstance) Owner() string                      { return p.owner }
func (p *ProcessInstance) ModelRef() string                   { return p.modelRef }
func (p *ProcessInstance) ModelHash() string                  { return p.modelHash }
func (p *ProcessInstance) State() ProcessState                { return p.state }

// Seq is the number of node instances created so far.
func (p *ProcessInstance) Seq() int64 { return p.seq }

// ParentActivity is the composite node instance that spawned this one, or
// the invalid handle for top-level instances.
func (p *ProcessInstance) ParentActivity() ir.Handle[NodeInstance] {
	return p.parentActivity
}

// Results returns the exported results of a completed instance.
func (p *ProcessInstance) Results() ir.Object {
	return p.results.Clone()
}

// Equal compares every persisted field.
func (p *ProcessInstance) Equal(o *ProcessInstance) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	return p.handle == o.handle &&
		p.uuid == o.uuid &&
		p.owner == o.owner &&
		p.modelRef == o.modelRef &&
		p.modelHash == o.modelHash &&
		p.parentActivity == o.parentActivity &&
		p.state == o.state &&
		ir.Equal(objectOrNull(p.results), objectOrNull(o.results)) &&
		p.seq == o.seq
}

func (p *ProcessInstance) String() string {
	return fmt.Sprintf("%s[%s %s]", p.handle, p.modelRef, p.state)
}

// ProcessBuilder stages changes to a ProcessInstance. Same no-op law as
// NodeBuilder.
type ProcessBuilder struct {
	orig    *ProcessInstance
	state   *ProcessState
	results ir.Object
	resSet  bool
	seq     *int64
}

// Builder starts staging changes to p.
func (p *ProcessInstance) Builder() *ProcessBuilder {
	return &ProcessBuilder{orig: p}
}

// Original returns the record the builder started from.
func (b *ProcessBuilder) Original() *ProcessInstance {
	return b.orig
}

// State returns the staged state.
func (b *ProcessBuilder) State() ProcessState {
	if b.state != nil {
		return *b.state
	}
	return b.orig.state
}

// SetState stages a state change. Terminal instances cannot change state.
func (b *ProcessBuilder) SetState(s ProcessState) error {
	cur := b.State()
	if s == cur {
		return nil
	}
	if cur.Terminal() {
		return fmt.Errorf("process instance %s is %s", b.orig.handle, cur)
	}
	b.state = &s
	return nil
}

// Results returns the staged exported results.
func (b *ProcessBuilder) Results() ir.Object {
	if b.resSet {
		return b.results
	}
	return b.orig.results
}

// SetResults stages exported results.
func (b *ProcessBuilder) SetResults(results ir.Object) {
	cur := b.Results()
	if ir.Equal(objectOrNull(results), objectOrNull(cur)) {
		return
	}
	b.results = results.Clone()
	b.resSet = true
}

// NextSeq allocates the next node sequence number.
func (b *ProcessBuilder) NextSeq() int64 {
	n := b.orig.seq + 1
	if b.seq != nil {
		n = *b.seq + 1
	}
	b.seq = &n
	return n
}

// Build applies staged changes, returning the original pointer if none.
func (b *ProcessBuilder) Build() *ProcessInstance {
	if b.state == nil && !b.resSet && b.seq == nil {
		return b.orig
	}
	p := *b.orig
	if b.state != nil {
		p.state = *b.state
	}
	if b.resSet {
		p.results = b.results.Clone()
	}
	if b.seq != nil {
		p.seq = *b.seq
	}
	if p.Equal(b.orig) {
		return b.orig
	}
	return &p
}
