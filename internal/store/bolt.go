package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// kindsBucket maps id -> kind for every live record and owns the id sequence.
	kindsBucket = []byte("_kinds")
)

// Bolt is a durable Store backed by a BoltDB file.
//
// Each kind has its own bucket keyed by big-endian id, so cursor order is id
// order. Records are stored as JSON-encoded Fields.
type Bolt struct {
	db   *bbolt.DB
	lock chan struct{}
}

// OpenBolt creates or opens a BoltDB file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("open bolt: empty path")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kindsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &Bolt{db: db, lock: make(chan struct{}, 1)}, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Begin acquires the writer lock, honoring ctx while waiting, and starts a
// read-write BoltDB transaction.
func (b *Bolt) Begin(ctx context.Context) (Tx, error) {
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tx, err := b.db.Begin(true)
	if err != nil {
		<-b.lock
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &boltTx{store: b, tx: tx}, nil
}

type boltTx struct {
	store *Bolt
	tx    *bbolt.Tx
	done  bool
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (t *boltTx) end() {
	if !t.done {
		t.done = true
		<-t.store.lock
	}
}

func (t *boltTx) kindOf(id int64) (Kind, bool) {
	v := t.tx.Bucket(kindsBucket).Get(idKey(id))
	if v == nil {
		return "", false
	}
	return Kind(v), true
}

func (t *boltTx) load(kind Kind, id int64) (Fields, error) {
	b := t.tx.Bucket([]byte(kind))
	if b == nil {
		return nil, ErrNotFound
	}
	data := b.Get(idKey(id))
	if data == nil {
		return nil, ErrNotFound
	}
	fields := Fields{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode %s %d: %w", kind, id, err)
	}
	return fields, nil
}

func (t *boltTx) save(kind Kind, id int64, fields Fields) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return err
	}
	if fields == nil {
		fields = Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return b.Put(idKey(id), data)
}

func (t *boltTx) Put(kind Kind, fields Fields) (int64, error) {
	if t.done {
		return 0, ErrTxClosed
	}
	kinds := t.tx.Bucket(kindsBucket)
	seq, err := kinds.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("put %s: sequence: %w", kind, err)
	}
	id := int64(seq)
	if err := kinds.Put(idKey(id), []byte(kind)); err != nil {
		return 0, fmt.Errorf("put %s: %w", kind, err)
	}
	if err := t.save(kind, id, fields); err != nil {
		return 0, fmt.Errorf("put %s: %w", kind, err)
	}
	return id, nil
}

func (t *boltTx) Get(kind Kind, id int64) (Fields, bool, error) {
	if t.done {
		return nil, false, ErrTxClosed
	}
	if id <= 0 {
		return nil, false, nil
	}
	if k, ok := t.kindOf(id); !ok || k != kind {
		return nil, false, nil
	}
	fields, err := t.load(kind, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

func (t *boltTx) Set(kind Kind, id int64, fields Fields) (Fields, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	if id <= 0 {
		return nil, ErrNotFound
	}
	k, ok := t.kindOf(id)
	if !ok {
		return nil, ErrNotFound
	}
	if k != kind {
		return nil, ErrKindMismatch
	}
	old, err := t.load(kind, id)
	if err != nil {
		return nil, err
	}
	if err := t.save(kind, id, fields); err != nil {
		return nil, fmt.Errorf("set %s %d: %w", kind, id, err)
	}
	return old, nil
}

func (t *boltTx) Remove(kind Kind, id int64) (bool, error) {
	if t.done {
		return false, ErrTxClosed
	}
	if id <= 0 {
		return false, nil
	}
	if k, ok := t.kindOf(id); !ok || k != kind {
		return false, nil
	}
	key := idKey(id)
	if err := t.tx.Bucket(kindsBucket).Delete(key); err != nil {
		return false, fmt.Errorf("remove %s %d: %w", kind, id, err)
	}
	if b := t.tx.Bucket([]byte(kind)); b != nil {
		if err := b.Delete(key); err != nil {
			return false, fmt.Errorf("remove %s %d: %w", kind, id, err)
		}
	}
	return true, nil
}

// Find scans the kind's bucket; there is no secondary index.
func (t *boltTx) Find(kind Kind, field, value string) ([]int64, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	b := t.tx.Bucket([]byte(kind))
	if b == nil {
		return nil, nil
	}

	var ids []int64
	err := b.ForEach(func(k, v []byte) error {
		var fields Fields
		if err := json.Unmarshal(v, &fields); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if fv, ok := fields[field]; ok && fv == value {
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find %s %s=%q: %w", kind, field, value, err)
	}
	return ids, nil
}

func (t *boltTx) Commit() error {
	if t.done {
		return ErrTxClosed
	}
	defer t.end()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *boltTx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.end()
	return t.tx.Rollback()
}
