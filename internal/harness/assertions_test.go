package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/ir"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventDispatch, Node: "ship", Entry: 1, Attempt: 1},
		{Type: EventDispatch, Node: "bill/charge", Entry: 1, Attempt: 1},
		{Type: EventDispatch, Node: "bill/charge", Entry: 1, Attempt: 2},
		{Type: EventNode, Node: "start", Entry: 1, State: "complete"},
		{Type: EventNode, Node: "ship", Entry: 1, State: "failed", Failure: "DATA_ERROR: no address"},
		{Type: EventNode, Node: "ship", Entry: 2, State: "complete", Results: ir.Object{"tracking": ir.String("T-1")}},
		{Type: EventNode, Node: "bill/charge", Entry: 1, State: "complete"},
		{Type: EventInstance, State: "complete", Results: ir.Object{"total": ir.Int(42), "tracking": ir.String("T-1")}},
	}
}

func TestAssertNodeState(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertNodeState(trace, Assertion{Node: "ship", State: "complete"}), "latest occurrence")
	assert.NoError(t, assertNodeState(trace, Assertion{Node: "ship#1", State: "failed"}))

	err := assertNodeState(trace, Assertion{Node: "ship#1", State: "complete"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertNodeState, ae.Type)
	assert.Equal(t, "state failed", ae.Actual)

	err = assertNodeState(trace, Assertion{Node: "refund", State: "complete"})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "node not found in trace", ae.Actual)
}

func TestAssertNodeCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertNodeCount(trace, Assertion{Node: "ship", Count: 2}))
	assert.NoError(t, assertNodeCount(trace, Assertion{Node: "refund", Count: 0}))

	err := assertNodeCount(trace, Assertion{Node: "ship", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 2 occurrences")
}

func TestAssertFailure(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertFailure(trace, Assertion{Node: "ship#1", Code: "DATA_ERROR"}))

	err := assertFailure(trace, Assertion{Node: "ship#1", Code: "DATA"})
	require.Error(t, err, "codes match whole")

	err = assertFailure(trace, Assertion{Node: "ship", Code: "DATA_ERROR"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "no failure recorded", ae.Actual)
}

func TestAssertResults(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertResults(trace, Assertion{Results: map[string]any{"total": 42}}))
	assert.NoError(t, assertResults(trace, Assertion{Node: "ship", Results: map[string]any{"tracking": "T-1"}}))

	err := assertResults(trace, Assertion{Results: map[string]any{"total": 41}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, `instance results containing {"total":41}`, ae.Expected)
	assert.Equal(t, `{"total":42,"tracking":"T-1"}`, ae.Actual)

	err = assertResults(trace, Assertion{Node: "start", Results: map[string]any{"order": "o-1"}})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "{}", ae.Actual)
}

func TestAssertInstanceState(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertInstanceState(trace, Assertion{State: "complete"}))

	err := assertInstanceState(trace, Assertion{State: "cancelled"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "state complete", ae.Actual)
}

func TestAssertDispatchCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertDispatchCount(trace, Assertion{Node: "bill/charge", Count: 2}))
	assert.NoError(t, assertDispatchCount(trace, Assertion{Node: "charge", Count: 0}), "paths are matched exactly")
	assert.Error(t, assertDispatchCount(trace, Assertion{Node: "ship", Count: 2}))
}

func TestAssertDispatchOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertDispatchOrder(trace, Assertion{Nodes: []string{"ship", "bill/charge"}}))

	err := assertDispatchOrder(trace, Assertion{Nodes: []string{"bill/charge", "ship"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bill/charge (pos 2) should be before ship (pos 1)")

	err = assertDispatchOrder(trace, Assertion{Nodes: []string{"ship", "refund"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dispatch to refund")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertNodeState,
		Expected: "ship in state complete",
		Actual:   "state failed",
		Trace:    sampleTrace()[:5],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: node_state")
	assert.Contains(t, msg, "[1] dispatch ship#1 attempt 1")
	assert.Contains(t, msg, "[5] node ship#1 failed (DATA_ERROR: no address)")
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertInstanceState, State: "complete"},
		{Type: AssertDispatchCount, Node: "ship", Count: 3},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "dispatch_count")
	assert.Contains(t, errs[1], `assertion[2]: unknown assertion type "bogus"`)
}
