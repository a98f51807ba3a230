package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/store"
)

func TestPathTransformer(t *testing.T) {
	fragment := ir.Object{
		"customer": ir.Object{
			"address": ir.Object{"city": ir.String("Oslo")},
		},
		"items": ir.Array{
			ir.Object{"sku": ir.String("A-1"), "qty": ir.Int(2)},
		},
	}

	tests := []struct {
		path string
		want ir.Value
	}{
		{"", fragment},
		{"customer.address.city", ir.String("Oslo")},
		{"customer.address", ir.Object{"city": ir.String("Oslo")}},
		{"items[0].qty", ir.Int(2)},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := PathTransformer{}.Transform(fragment, tt.path)
			require.NoError(t, err)
			assert.True(t, ir.Equal(tt.want, got), "got %#v", got)
		})
	}

	_, err := PathTransformer{}.Transform(fragment, "customer.phone")
	assert.ErrorContains(t, err, "not found")
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll.Authorize(context.Background(), AuthRequest{Owner: "anyone"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestV7UUIDs(t *testing.T) {
	gen := V7UUIDs{}
	pattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	seen := map[string]bool{}
	for range 100 {
		id := gen.Generate()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate uuid %s", id)
		seen[id] = true
	}
}

func TestClocks(t *testing.T) {
	now := SystemClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())

	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, ClockFunc(func() time.Time { return fixed }).Now())
}

func TestRuntimeError(t *testing.T) {
	err := &RuntimeError{Code: ErrCodeUnknownNode, Message: "lookup", Instance: "pi-1", Node: "charge", Err: errors.New("gone")}
	assert.Equal(t, "UNKNOWN_NODE: lookup: gone (instance=pi-1, node=charge)", err.Error())
	assert.True(t, IsModelError(err))
	assert.False(t, IsConflict(err))

	wrapped := fmt.Errorf("op: %w", &RuntimeError{Code: ErrCodeTxConflict, Err: store.ErrConflict})
	assert.True(t, IsConflict(wrapped))
	assert.Equal(t, "TX_CONFLICT: store: transaction conflict", errors.Unwrap(wrapped).Error())

	nf := notFound("node instance", ir.HandleOf[struct{}](4))
	assert.True(t, IsNotFound(nf))
	assert.True(t, errors.Is(nf, store.ErrNotFound))
	assert.False(t, IsInvalidTransition(nf))
}
