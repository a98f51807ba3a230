package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/ir"
)

func TestDispatcher_ScriptThenFallback(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher().Script("pay",
		dispatch.Failed(errors.New("down")),
		dispatch.Acknowledged(ir.Object{"ok": ir.Bool(true)}),
	)

	r1 := d.Send(ctx, dispatch.Message{Node: "pay", Attempt: 1})
	r2 := d.Send(ctx, dispatch.Message{Node: "pay", Attempt: 2})
	r3 := d.Send(ctx, dispatch.Message{Node: "pay", Attempt: 3})
	r4 := d.Send(ctx, dispatch.Message{Node: "ship", Attempt: 1})

	assert.Equal(t, dispatch.StatusFailed, r1.Status)
	assert.Equal(t, dispatch.StatusAcknowledged, r2.Status)
	assert.Equal(t, ir.Bool(true), r2.Results["ok"])
	assert.Equal(t, dispatch.StatusSent, r3.Status)
	assert.Equal(t, dispatch.StatusSent, r4.Status)

	require.Len(t, d.Messages(), 4)
	assert.Len(t, d.MessagesFor("pay"), 3)
	assert.Len(t, d.MessagesFor("ship"), 1)
}

func TestDispatcher_Fallback(t *testing.T) {
	d := NewDispatcher().Fallback(dispatch.Acknowledged(nil))
	r := d.Send(context.Background(), dispatch.Message{Node: "x"})
	assert.Equal(t, dispatch.StatusAcknowledged, r.Status)
}

func TestDispatcher_RecordsCancels(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Cancel(context.Background(), dispatch.Message{Key: "k1", Node: "x"}))
	require.Len(t, d.Cancelled(), 1)
	assert.Equal(t, "k1", d.Cancelled()[0].Key)
}
