package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_StaleReadConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var id int64
	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		var err error
		id, err = tx.Put(kindWidget, Fields{"count": "0"})
		return err
	}))

	// Two transactions read the same counter, both write, only one wins.
	tx1, err := m.Begin(ctx)
	require.NoError(t, err)
	tx2, err := m.Begin(ctx)
	require.NoError(t, err)

	_, _, err = tx1.Get(kindWidget, id)
	require.NoError(t, err)
	_, _, err = tx2.Get(kindWidget, id)
	require.NoError(t, err)

	_, err = tx1.Set(kindWidget, id, Fields{"count": "1"})
	require.NoError(t, err)
	_, err = tx2.Set(kindWidget, id, Fields{"count": "1"})
	require.NoError(t, err)

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), ErrConflict)
}

func TestMemory_FindPhantomConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx1, err := m.Begin(ctx)
	require.NoError(t, err)
	ids, err := tx1.Find(kindWidget, "state", "pending")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = tx1.Put(kindGadget, Fields{})
	require.NoError(t, err)

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		_, err := tx.Put(kindWidget, Fields{"state": "pending"})
		return err
	}))

	assert.ErrorIs(t, tx1.Commit(), ErrConflict)
}

func TestMemory_UnrelatedWritesDoNotConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var a, b int64
	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		a, _ = tx.Put(kindWidget, Fields{"owner": "1"})
		b, _ = tx.Put(kindWidget, Fields{"owner": "2"})
		return nil
	}))

	tx1, err := m.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx1.Get(kindWidget, a)
	require.NoError(t, err)
	_, err = tx1.Find(kindWidget, "owner", "1")
	require.NoError(t, err)
	_, err = tx1.Set(kindWidget, a, Fields{"owner": "1", "x": "y"})
	require.NoError(t, err)

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		_, err := tx.Set(kindWidget, b, Fields{"owner": "2", "x": "z"})
		return err
	}))

	assert.NoError(t, tx1.Commit())
}

func TestMemory_ConcurrentIncrementsSerialize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var id int64
	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		var err error
		id, err = tx.Put(kindWidget, Fields{"n": "0"})
		return err
	}))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := Update(ctx, m, func(tx Tx) error {
					fields, _, err := tx.Get(kindWidget, id)
					if err != nil {
						return err
					}
					r := NewFieldReader(fields)
					_, err = tx.Set(kindWidget, id, Fields{"n": FormatInt(r.Int("n") + 1)})
					return err
				})
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, ErrConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		fields, _, err := tx.Get(kindWidget, id)
		require.NoError(t, err)
		assert.Equal(t, "8", fields["n"])
		return nil
	}))
}

func TestMemory_ReadOnlyCommitIgnoresLaterWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 0, m.Len())
}
