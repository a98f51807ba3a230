package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupNested(t *testing.T) {
	grandchild, err := NewBuilder("tax").
		Add(ProcessNode{ID: "s", Kind: KindStart}).
		Add(ProcessNode{ID: "e", Kind: KindEnd, Predecessors: []string{"s"}}).
		Build()
	require.NoError(t, err)

	child, err := NewBuilder("billing").
		Add(ProcessNode{ID: "s", Kind: KindStart}).
		Add(ProcessNode{ID: "tax", Kind: KindComposite, Predecessors: []string{"s"}, Child: grandchild}).
		Add(ProcessNode{ID: "e", Kind: KindEnd, Predecessors: []string{"tax"}}).
		Build()
	require.NoError(t, err)

	top, err := NewBuilder("order").
		Add(ProcessNode{ID: "s", Kind: KindStart}).
		Add(ProcessNode{ID: "bill", Kind: KindComposite, Predecessors: []string{"s"}, Child: child}).
		Add(ProcessNode{ID: "e", Kind: KindEnd, Predecessors: []string{"bill"}}).
		Build()
	require.NoError(t, err)

	r, err := NewRegistry(top)
	require.NoError(t, err)

	m, err := r.Lookup("order")
	require.NoError(t, err)
	assert.Same(t, top, m)

	m, err = r.Lookup(ChildRef("order", "bill"))
	require.NoError(t, err)
	assert.Same(t, child, m)

	m, err = r.Lookup("order/bill/tax")
	require.NoError(t, err)
	assert.Same(t, grandchild, m)

	for _, ref := range []string{"missing", "order/s", "order/ghost", "order/bill/tax/deeper"} {
		_, err := r.Lookup(ref)
		var unknown *UnknownModelError
		assert.True(t, errors.As(err, &unknown), ref)
	}

	assert.Equal(t, []string{"order"}, r.Names())
	assert.Error(t, r.Register(top))
}
