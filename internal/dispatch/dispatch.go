package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
)

// Status is the immediate outcome of a send.
type Status string

const (
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Auth is the authorization context attached to an outbound message.
type Auth struct {
	Principal string `json:"principal,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// Message is one outbound activity request.
type Message struct {
	// Key is stable across redeliveries of the same attempt and is meant to
	// be used by receivers for deduplication.
	Key      string                           `json:"key"`
	Instance string                           `json:"instance"`
	Handle   ir.Handle[instance.NodeInstance] `json:"handle"`
	Node     string                           `json:"node"`
	EntryNo  int                              `json:"entry_no"`
	Attempt  int                              `json:"attempt"`
	Target   string                           `json:"target,omitempty"`
	Payload  ir.Object                        `json:"payload,omitempty"`
	Auth     Auth                             `json:"auth"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s#%d attempt %d", m.Instance, m.Node, m.EntryNo, m.Attempt)
}

// Reply is what a Dispatcher reports back for a send.
type Reply struct {
	Status  Status
	Results ir.Object
	Err     error
}

// Sent reports that the message was handed off.
func Sent() Reply {
	return Reply{Status: StatusSent}
}

// Acknowledged reports synchronous completion, optionally with results.
func Acknowledged(results ir.Object) Reply {
	return Reply{Status: StatusAcknowledged, Results: results}
}

// Failed reports a send that did not go out.
func Failed(err error) Reply {
	if err == nil {
		err = fmt.Errorf("dispatch failed")
	}
	return Reply{Status: StatusFailed, Err: err}
}

// Dispatcher sends activity messages. Implementations must be safe for
// concurrent use.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) Reply

	// Cancel asks the receiver to abandon msg. It is best effort: remote
	// side effects already under way are not undone.
	Cancel(ctx context.Context, msg Message) error
}

// Func adapts a send function to Dispatcher. Cancel is a no-op.
type Func func(ctx context.Context, msg Message) Reply

func (f Func) Send(ctx context.Context, msg Message) Reply {
	return f(ctx, msg)
}

func (Func) Cancel(context.Context, Message) error {
	return nil
}

// Nop replies Sent to every message.
var Nop Dispatcher = Func(func(context.Context, Message) Reply { return Sent() })
