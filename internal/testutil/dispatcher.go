package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/procflow/internal/dispatch"
)

// Dispatcher is a scripted dispatch.Dispatcher that records every message.
//
// Replies are consumed per model node in the order scripted; once a node's
// script runs out the fallback reply (Sent unless changed) is used.
//
// Thread-safety: safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	scripts   map[string][]dispatch.Reply
	fallback  dispatch.Reply
	sent      []dispatch.Message
	cancelled []dispatch.Message
}

// NewDispatcher returns a dispatcher that replies Sent to everything.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		scripts:  make(map[string][]dispatch.Reply),
		fallback: dispatch.Sent(),
	}
}

// Script appends replies for messages to node.
func (d *Dispatcher) Script(node string, replies ...dispatch.Reply) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[node] = append(d.scripts[node], replies...)
	return d
}

// Fallback sets the reply used when a node has no script left.
func (d *Dispatcher) Fallback(r dispatch.Reply) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = r
	return d
}

func (d *Dispatcher) Send(_ context.Context, msg dispatch.Message) dispatch.Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	if script := d.scripts[msg.Node]; len(script) > 0 {
		d.scripts[msg.Node] = script[1:]
		return script[0]
	}
	return d.fallback
}

func (d *Dispatcher) Cancel(_ context.Context, msg dispatch.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, msg)
	return nil
}

// Messages returns every message sent so far.
func (d *Dispatcher) Messages() []dispatch.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

// MessagesFor returns the messages sent for model node id.
func (d *Dispatcher) MessagesFor(node string) []dispatch.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatch.Message
	for _, m := range d.sent {
		if m.Node == node {
			out = append(out, m)
		}
	}
	return out
}

// Cancelled returns every message the engine asked to cancel.
func (d *Dispatcher) Cancelled() []dispatch.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.cancelled)
}
