package instance

import "fmt"

// State is the lifecycle state of a node instance.
type State string

const (
	Pending      State = "pending"
	Sent         State = "sent"
	Acknowledged State = "acknowledged"
	Complete     State = "complete"
	Failed       State = "failed"
	FailRetry    State = "fail_retry"
	Cancelled    State = "cancelled"
	Skipped      State = "skipped"
)

var transitions = map[State][]State{
	Pending:      {Sent, Acknowledged, Complete, Failed, FailRetry, Cancelled, Skipped},
	Sent:         {Acknowledged, Complete, Failed, FailRetry, Cancelled},
	Acknowledged: {Complete, Failed, FailRetry, Cancelled},
	FailRetry:    {Pending, Failed, Cancelled, Skipped},
	Failed:       {Pending, Cancelled, Skipped},
	Complete:     nil,
	Cancelled:    nil,
	Skipped:      nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Complete || s == Cancelled || s == Skipped
}

// Live reports whether the instance may still complete and feed successors.
// Failed counts as live: an operator can retry it.
func (s State) Live() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether s -> to is allowed.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ParseState parses a persisted state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown node state %q", s)
	}
	return st, nil
}

// TransitionError reports a disallowed state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ProcessState is the lifecycle state of a process instance.
type ProcessState string

const (
	Running          ProcessState = "running"
	ProcessComplete  ProcessState = "complete"
	ProcessCancelled ProcessState = "cancelled"
	// ProcessAbandoned: no node is live and no End completed.
	ProcessAbandoned ProcessState = "abandoned"
)

// Terminal reports whether the instance has finished.
func (s ProcessState) Terminal() bool {
	return s == ProcessComplete || s == ProcessCancelled || s == ProcessAbandoned
}

// ParseProcessState parses a persisted process state name.
func ParseProcessState(s string) (ProcessState, error) {
	switch st := ProcessState(s); st {
	case Running, ProcessComplete, ProcessCancelled, ProcessAbandoned:
		return st, nil
	}
	return "", fmt.Errorf("unknown process state %q", s)
}
