package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store {
			return NewMemory()
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"bolt", func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "test.bolt"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

const (
	kindWidget Kind = "widget"
	kindGadget Kind = "gadget"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestConformance_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var id int64
		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			var err error
			id, err = tx.Put(kindWidget, Fields{"name": "bolt", "size": "3"})
			return err
		}))
		assert.Greater(t, id, int64(0))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			fields, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Fields{"name": "bolt", "size": "3"}, fields)
			return nil
		}))
	})
}

func TestConformance_IDsIncrease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		var ids []int64
		require.NoError(t, Update(context.Background(), s, func(tx Tx) error {
			for i := 0; i < 3; i++ {
				id, err := tx.Put(kindWidget, Fields{})
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		}))
		assert.Less(t, ids[0], ids[1])
		assert.Less(t, ids[1], ids[2])
	})
}

func TestConformance_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, Update(context.Background(), s, func(tx Tx) error {
			for _, id := range []int64{-1, 0, 999} {
				_, ok, err := tx.Get(kindWidget, id)
				require.NoError(t, err)
				assert.False(t, ok, "id %d", id)

				_, err = tx.Set(kindWidget, id, Fields{})
				assert.ErrorIs(t, err, ErrNotFound)

				removed, err := tx.Remove(kindWidget, id)
				require.NoError(t, err)
				assert.False(t, removed)
			}
			return nil
		}))
	})
}

func TestConformance_KindIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, Update(context.Background(), s, func(tx Tx) error {
			id, err := tx.Put(kindWidget, Fields{"a": "1"})
			require.NoError(t, err)

			_, ok, err := tx.Get(kindGadget, id)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = tx.Set(kindGadget, id, Fields{})
			assert.ErrorIs(t, err, ErrKindMismatch)

			removed, err := tx.Remove(kindGadget, id)
			require.NoError(t, err)
			assert.False(t, removed)
			return nil
		}))
	})
}

func TestConformance_SetReturnsOld(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var id int64
		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			var err error
			id, err = tx.Put(kindWidget, Fields{"state": "pending", "extra": "x"})
			return err
		}))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			old, err := tx.Set(kindWidget, id, Fields{"state": "complete"})
			require.NoError(t, err)
			assert.Equal(t, Fields{"state": "pending", "extra": "x"}, old)
			return nil
		}))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			fields, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Fields{"state": "complete"}, fields)
			return nil
		}))
	})
}

func TestConformance_Remove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var id int64
		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			var err error
			id, err = tx.Put(kindWidget, Fields{"a": "1"})
			return err
		}))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			removed, err := tx.Remove(kindWidget, id)
			require.NoError(t, err)
			assert.True(t, removed)

			_, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			_, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			assert.False(t, ok)

			next, err := tx.Put(kindWidget, Fields{})
			require.NoError(t, err)
			assert.Greater(t, next, id, "ids are never reused")
			return nil
		}))
	})
}

func TestConformance_Find(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var a, b, c int64
		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			a, _ = tx.Put(kindWidget, Fields{"owner": "7", "state": "pending"})
			b, _ = tx.Put(kindWidget, Fields{"owner": "8", "state": "pending"})
			c, _ = tx.Put(kindWidget, Fields{"owner": "7", "state": "complete"})
			_, _ = tx.Put(kindGadget, Fields{"owner": "7"})
			return nil
		}))

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			ids, err := tx.Find(kindWidget, "owner", "7")
			require.NoError(t, err)
			assert.Equal(t, []int64{a, c}, ids)

			ids, err = tx.Find(kindWidget, "state", "pending")
			require.NoError(t, err)
			assert.Equal(t, []int64{a, b}, ids)

			ids, err = tx.Find(kindWidget, "owner", "nobody")
			require.NoError(t, err)
			assert.Empty(t, ids)
			return nil
		}))
	})
}

func TestConformance_FindSeesOwnWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, Update(context.Background(), s, func(tx Tx) error {
			id, err := tx.Put(kindWidget, Fields{"state": "pending"})
			require.NoError(t, err)

			ids, err := tx.Find(kindWidget, "state", "pending")
			require.NoError(t, err)
			assert.Equal(t, []int64{id}, ids)

			_, err = tx.Set(kindWidget, id, Fields{"state": "complete"})
			require.NoError(t, err)

			ids, err = tx.Find(kindWidget, "state", "pending")
			require.NoError(t, err)
			assert.Empty(t, ids)
			return nil
		}))
	})
}

func TestConformance_RollbackDiscards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		id, err := tx.Put(kindWidget, Fields{"a": "1"})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = tx.Put(kindWidget, Fields{})
		assert.ErrorIs(t, err, ErrTxClosed)

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			_, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})
}

func TestConformance_CommitTwice(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		tx, err := s.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.ErrorIs(t, tx.Commit(), ErrTxClosed)
		assert.NoError(t, tx.Rollback())
	})
}

func TestUpdate_ErrorRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var id int64
		err := Update(ctx, s, func(tx Tx) error {
			id, _ = tx.Put(kindWidget, Fields{})
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		require.NoError(t, Update(ctx, s, func(tx Tx) error {
			_, ok, err := tx.Get(kindWidget, id)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open("sqlite", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	s, err = Open("bolt", filepath.Join(dir, "a.bolt"))
	require.NoError(t, err)
	assert.IsType(t, &Bolt{}, s)
	require.NoError(t, s.Close())

	_, err = Open("cassandra", "")
	assert.Error(t, err)
}
