package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Log journals every message as a JSON line and replies Sent. It is the
// dispatcher of the command line tool, where remote completion is fed back
// by hand with "procflow deliver".
type Log struct {
	mu        sync.Mutex
	enc       *json.Encoder
	logger    *slog.Logger
	sent      []Message
	cancelled []Message
}

// NewLog writes the journal to w. A nil w keeps messages in memory only.
func NewLog(w io.Writer, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{logger: logger}
	if w != nil {
		l.enc = json.NewEncoder(w)
	}
	return l
}

type journalEntry struct {
	Op string `json:"op"`
	Message
}

func (l *Log) Send(_ context.Context, msg Message) Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	if err := l.write("send", msg); err != nil {
		return Failed(err)
	}
	l.logger.Info("message dispatched",
		"key", msg.Key,
		"instance", msg.Instance,
		"node", msg.Node,
		"handle", msg.Handle.String(),
		"attempt", msg.Attempt,
	)
	return Sent()
}

func (l *Log) Cancel(_ context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = append(l.cancelled, msg)
	l.logger.Info("dispatch cancelled", "key", msg.Key, "node", msg.Node)
	return l.write("cancel", msg)
}

func (l *Log) write(op string, msg Message) error {
	if l.enc == nil {
		return nil
	}
	return l.enc.Encode(journalEntry{Op: op, Message: msg})
}

// Messages returns the journaled sends in order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}

// Cancelled returns the journaled cancellations in order.
func (l *Log) Cancelled() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.cancelled...)
}
