package dispatch

import (
	"context"
	"errors"
	"sync"
)

// Outcome pairs a flushed message with the reply it got.
type Outcome struct {
	Message Message
	Reply   Reply
}

// Buffer stands in for a dispatcher that is not available yet. Sends are
// queued and reported as Sent until Attach installs the real dispatcher and
// flushes the queue in arrival order.
type Buffer struct {
	mu      sync.Mutex
	pending []Message
	target  Dispatcher
}

// NewBuffer returns an empty, detached buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Send(ctx context.Context, msg Message) Reply {
	b.mu.Lock()
	target := b.target
	if target == nil {
		b.pending = append(b.pending, msg)
		b.mu.Unlock()
		return Sent()
	}
	b.mu.Unlock()
	return target.Send(ctx, msg)
}

// Cancel drops a queued message or forwards to the attached dispatcher.
func (b *Buffer) Cancel(ctx context.Context, msg Message) error {
	b.mu.Lock()
	target := b.target
	if target == nil {
		for i, m := range b.pending {
			if m.Key == msg.Key {
				b.pending = append(b.pending[:i], b.pending[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return target.Cancel(ctx, msg)
}

// Pending returns a copy of the queued messages.
func (b *Buffer) Pending() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.pending...)
}

// Attach installs d and sends every queued message through it in order.
// The replies are returned so the caller can record them. Messages sent
// concurrently with Attach go straight to d once it is installed.
func (b *Buffer) Attach(ctx context.Context, d Dispatcher) ([]Outcome, error) {
	if d == nil {
		return nil, errors.New("dispatch: attach nil dispatcher")
	}
	b.mu.Lock()
	if b.target != nil {
		b.mu.Unlock()
		return nil, errors.New("dispatch: buffer already attached")
	}
	b.target = d
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	out := make([]Outcome, 0, len(queued))
	for _, msg := range queued {
		out = append(out, Outcome{Message: msg, Reply: d.Send(ctx, msg)})
	}
	return out, nil
}
