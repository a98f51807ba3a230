package harness

import (
	"github.com/roach88/procflow/internal/ir"
)

// Trace event types.
const (
	EventDispatch = "dispatch"
	EventCancel   = "cancel"
	EventNode     = "node"
	EventInstance = "instance"
)

// TraceEvent is one line of a scenario trace. Dispatch and cancel events
// come first in send order, followed by every node instance in creation
// order (child instances nested under their composite), followed by the
// final instance state.
type TraceEvent struct {
	Type    string    `json:"type"`
	Node    string    `json:"node,omitempty"` // path, e.g. "bill/charge"
	Entry   int       `json:"entry,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Target  string    `json:"target,omitempty"`
	State   string    `json:"state,omitempty"`
	Results ir.Object `json:"results,omitempty"`
	Failure string    `json:"failure,omitempty"`
}

// value renders the event for canonical serialization. Empty fields are
// left out so that golden files stay small.
func (e TraceEvent) value() ir.Object {
	obj := ir.Object{"type": ir.String(e.Type)}
	if e.Node != "" {
		obj["node"] = ir.String(e.Node)
	}
	if e.Entry != 0 {
		obj["entry"] = ir.Int(e.Entry)
	}
	if e.Attempt != 0 {
		obj["attempt"] = ir.Int(e.Attempt)
	}
	if e.Target != "" {
		obj["target"] = ir.String(e.Target)
	}
	if e.State != "" {
		obj["state"] = ir.String(e.State)
	}
	if len(e.Results) > 0 {
		obj["results"] = e.Results
	}
	if e.Failure != "" {
		obj["failure"] = ir.String(e.Failure)
	}
	return obj
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion or unexpected step error.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Add appends an event to the trace.
func (r *Result) Add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Filter returns the events of type typ, in trace order.
func (r *Result) Filter(typ string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
