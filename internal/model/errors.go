package model

import (
	"fmt"
	"strings"
)

// Validation error codes (M100-M199)
const (
	// Model-level errors (M100-M109)
	ErrEmptyName     = "M100" // model name is required
	ErrDuplicateNode = "M101" // node id declared twice
	ErrUnknownPred   = "M102" // predecessor names an undeclared node
	ErrStartCount    = "M103" // exactly one start node required
	ErrStartHasPreds = "M104" // start node must not have predecessors
	ErrNoEnd         = "M105" // at least one end node required
	ErrMissingPreds  = "M106" // non-start node without predecessors
	ErrUnreachable   = "M107" // node not reachable from start
	ErrCycle         = "M108" // predecessor edges form a cycle
	ErrUnknownKind   = "M109" // node kind not recognised

	// Data errors (M110-M119)
	ErrDefineSource    = "M110" // define source is not an ancestor
	ErrAmbiguousDefine = "M111" // define ref cannot be resolved to one result
	ErrDefineRef       = "M112" // define ref not exported by its source
	ErrDuplicateDefine = "M113" // two defines bind the same name
	ErrConditionSyntax = "M114" // condition does not parse

	// Synchronization errors (M120-M129)
	ErrBounds           = "M120" // bounds violate 0 <= min <= max, max >= 1
	ErrBoundsFanout     = "M121" // min exceeds the available edges
	ErrBranchTarget     = "M122" // branch names a node that is not a successor
	ErrMultipleDefault  = "M123" // more than one otherwise branch
	ErrEndHasSuccessors = "M124" // end node has successors

	// Composite errors (M130-M139)
	ErrNoChild      = "M130" // composite without child model
	ErrChildInvalid = "M131" // child model failed validation
)

// ValidationError is one problem found while building a model.
type ValidationError struct {
	Node    string `json:"node,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Node
	if e.Field != "" {
		if loc != "" {
			loc += "."
		}
		loc += e.Field
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, loc, e.Message)
}

// ValidationErrors collects every problem in a model.
type ValidationErrors []ValidationError

// Error joins all messages, one per line.
func (es ValidationErrors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

// Has reports whether any error carries code.
func (es ValidationErrors) Has(code string) bool {
	for _, e := range es {
		if e.Code == code {
			return true
		}
	}
	return false
}

// UnknownNodeError is returned by RequireNode for an undeclared id.
type UnknownNodeError struct {
	Model string
	Node  string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("model %q has no node %q", e.Model, e.Node)
}

// UnknownModelError is returned by Registry.Lookup.
type UnknownModelError struct {
	Ref string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Ref)
}
