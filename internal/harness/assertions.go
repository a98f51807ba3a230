package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/procflow/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describeEvent(ev))
		}
	}
	return buf.String()
}

func describeEvent(ev TraceEvent) string {
	switch ev.Type {
	case EventDispatch, EventCancel:
		return fmt.Sprintf("%s %s#%d attempt %d", ev.Type, ev.Node, ev.Entry, ev.Attempt)
	case EventNode:
		s := fmt.Sprintf("node %s#%d %s", ev.Node, ev.Entry, ev.State)
		if ev.Failure != "" {
			s += " (" + ev.Failure + ")"
		}
		return s
	}
	return fmt.Sprintf("%s %s", ev.Type, ev.State)
}

// nodeEvent finds the node event a reference names: a path with an
// optional "#entry", defaulting to the latest occurrence.
func nodeEvent(trace []TraceEvent, ref string) (TraceEvent, bool, error) {
	path, entry, err := splitRef(ref)
	if err != nil {
		return TraceEvent{}, false, err
	}
	var (
		found TraceEvent
		ok    bool
	)
	for _, ev := range trace {
		if ev.Type != EventNode || ev.Node != path {
			continue
		}
		if entry != 0 && ev.Entry == entry {
			return ev, true, nil
		}
		if entry == 0 && (!ok || ev.Entry > found.Entry) {
			found, ok = ev, true
		}
	}
	return found, ok, nil
}

func assertNodeState(trace []TraceEvent, a Assertion) error {
	ev, ok, err := nodeEvent(trace, a.Node)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     AssertNodeState,
			Expected: fmt.Sprintf("%s in state %s", a.Node, a.State),
			Actual:   "node not found in trace",
			Trace:    trace,
		}
	}
	if ev.State != a.State {
		return &AssertionError{
			Type:     AssertNodeState,
			Expected: fmt.Sprintf("%s in state %s", a.Node, a.State),
			Actual:   fmt.Sprintf("state %s", ev.State),
			Trace:    trace,
		}
	}
	return nil
}

func assertNodeCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventNode && ev.Node == a.Node {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertNodeCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFailure(trace []TraceEvent, a Assertion) error {
	ev, ok, err := nodeEvent(trace, a.Node)
	if err != nil {
		return err
	}
	actual := "node not found in trace"
	if ok {
		actual = "no failure recorded"
		if ev.Failure != "" {
			actual = ev.Failure
		}
	}
	if !ok || (!strings.HasPrefix(ev.Failure, a.Code+":") && ev.Failure != a.Code) {
		return &AssertionError{
			Type:     AssertFailure,
			Expected: fmt.Sprintf("%s failed with %s", a.Node, a.Code),
			Actual:   actual,
			Trace:    trace,
		}
	}
	return nil
}

func assertResults(trace []TraceEvent, a Assertion) error {
	want, err := toObject(a.Results)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	var (
		got  ir.Object
		what = "instance"
	)
	if a.Node != "" {
		ev, ok, err := nodeEvent(trace, a.Node)
		if err != nil {
			return err
		}
		if !ok {
			return &AssertionError{
				Type:     AssertResults,
				Expected: fmt.Sprintf("results of %s", a.Node),
				Actual:   "node not found in trace",
				Trace:    trace,
			}
		}
		got, what = ev.Results, a.Node
	} else {
		for _, ev := range trace {
			if ev.Type == EventInstance {
				got = ev.Results
			}
		}
	}

	if !matchResults(got, want) {
		return &AssertionError{
			Type:     AssertResults,
			Expected: fmt.Sprintf("%s results containing %s", what, render(want)),
			Actual:   render(got),
			Trace:    trace,
		}
	}
	return nil
}

func assertInstanceState(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == EventInstance && ev.State == a.State {
			return nil
		}
	}
	actual := "no instance event"
	for _, ev := range trace {
		if ev.Type == EventInstance {
			actual = "state " + ev.State
		}
	}
	return &AssertionError{
		Type:     AssertInstanceState,
		Expected: "instance in state " + a.State,
		Actual:   actual,
		Trace:    trace,
	}
}

func assertDispatchCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventDispatch && ev.Node == a.Node {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertDispatchCount,
			Expected: fmt.Sprintf("%d dispatches to %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d dispatches", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertDispatchOrder checks the first dispatch of each node. Nodes do not
// need to be consecutive.
func assertDispatchOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Type != EventDispatch {
			continue
		}
		if _, seen := positions[ev.Node]; !seen {
			positions[ev.Node] = i + 1
		}
	}

	for _, node := range a.Nodes {
		if positions[node] == 0 {
			return &AssertionError{
				Type:     AssertDispatchOrder,
				Expected: fmt.Sprintf("dispatches to all of %v", a.Nodes),
				Actual:   "missing dispatch to " + node,
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Nodes); i++ {
		prev, curr := a.Nodes[i-1], a.Nodes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertDispatchOrder,
				Expected: fmt.Sprintf("dispatches in order: %v", a.Nodes),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// matchResults reports whether every key of want is present in got with an
// equal value. Extra keys in got are ignored.
func matchResults(got, want ir.Object) bool {
	for k, v := range want {
		g, ok := got[k]
		if !ok || !ir.Equal(g, v) {
			return false
		}
	}
	return true
}

func render(o ir.Object) string {
	if o == nil {
		return "{}"
	}
	data, err := ir.MarshalCanonical(o)
	if err != nil {
		return fmt.Sprintf("%v", map[string]ir.Value(o))
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertNodeState:
			err = assertNodeState(result.Trace, a)
		case AssertNodeCount:
			err = assertNodeCount(result.Trace, a)
		case AssertFailure:
			err = assertFailure(result.Trace, a)
		case AssertResults:
			err = assertResults(result.Trace, a)
		case AssertInstanceState:
			err = assertInstanceState(result.Trace, a)
		case AssertDispatchCount:
			err = assertDispatchCount(result.Trace, a)
		case AssertDispatchOrder:
			err = assertDispatchOrder(result.Trace, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
