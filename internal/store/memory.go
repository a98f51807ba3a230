package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-memory Store with optimistic concurrency control.
//
// Transactions never block each other. Each record read (including reads of
// absent ids) and each Find over a kind is remembered with the version seen;
// Commit fails with ErrConflict if any of those versions moved.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	clock   uint64
	records map[int64]memRecord
	index   map[indexKey]uint64 // last commit that added or dropped a matching tuple
	closed  bool
}

type indexKey struct {
	kind  Kind
	field string
	value string
}

type memRecord struct {
	kind    Kind
	fields  Fields
	version uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]memRecord),
		index:   make(map[indexKey]uint64),
	}
}

// Begin starts an optimistic transaction.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTxClosed
	}
	return &memTx{
		store:      m,
		reads:      make(map[int64]uint64),
		indexReads: make(map[indexKey]uint64),
		writes:     make(map[int64]*memWrite),
	}, nil
}

// Close discards all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}

// Len reports the number of committed records. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memWrite struct {
	kind    Kind
	fields  Fields
	removed bool
	created bool
}

type memTx struct {
	store      *Memory
	reads      map[int64]uint64
	indexReads map[indexKey]uint64
	writes     map[int64]*memWrite
	done       bool
}

// load returns the committed record, recording the version seen.
// Caller holds no lock.
func (tx *memTx) load(id int64) (memRecord, bool) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	rec, ok := tx.store.records[id]
	if _, seen := tx.reads[id]; !seen {
		tx.reads[id] = rec.version // zero for absent
	}
	return rec, ok
}

// lookup resolves id through the write set first.
func (tx *memTx) lookup(id int64) (Kind, Fields, bool) {
	if w, ok := tx.writes[id]; ok {
		if w.removed {
			return "", nil, false
		}
		return w.kind, w.fields, true
	}
	rec, ok := tx.load(id)
	if !ok {
		return "", nil, false
	}
	return rec.kind, rec.fields, true
}

func (tx *memTx) Put(kind Kind, fields Fields) (int64, error) {
	if tx.done {
		return 0, ErrTxClosed
	}
	tx.store.mu.Lock()
	tx.store.nextID++
	id := tx.store.nextID
	tx.store.mu.Unlock()

	tx.writes[id] = &memWrite{kind: kind, fields: fields.Clone(), created: true}
	return id, nil
}

func (tx *memTx) Get(kind Kind, id int64) (Fields, bool, error) {
	if tx.done {
		return nil, false, ErrTxClosed
	}
	if id <= 0 {
		return nil, false, nil
	}
	k, fields, ok := tx.lookup(id)
	if !ok || k != kind {
		return nil, false, nil
	}
	return fields.Clone(), true, nil
}

func (tx *memTx) Set(kind Kind, id int64, fields Fields) (Fields, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if id <= 0 {
		return nil, ErrNotFound
	}
	k, old, ok := tx.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if k != kind {
		return nil, ErrKindMismatch
	}
	w, exists := tx.writes[id]
	if !exists {
		w = &memWrite{kind: kind}
		tx.writes[id] = w
	}
	w.fields = fields.Clone()
	return old.Clone(), nil
}

func (tx *memTx) Remove(kind Kind, id int64) (bool, error) {
	if tx.done {
		return false, ErrTxClosed
	}
	if id <= 0 {
		return false, nil
	}
	k, _, ok := tx.lookup(id)
	if !ok || k != kind {
		return false, nil
	}
	if w, exists := tx.writes[id]; exists && w.created {
		delete(tx.writes, id)
		return true, nil
	}
	tx.writes[id] = &memWrite{kind: kind, removed: true}
	return true, nil
}

func (tx *memTx) Find(kind Kind, field, value string) ([]int64, error) {
	if tx.done {
		return nil, ErrTxClosed
	}

	var ids []int64
	tx.store.mu.Lock()
	key := indexKey{kind: kind, field: field, value: value}
	if _, seen := tx.indexReads[key]; !seen {
		tx.indexReads[key] = tx.store.index[key]
	}
	for id, rec := range tx.store.records {
		if rec.kind != kind {
			continue
		}
		if _, local := tx.writes[id]; local {
			continue
		}
		if v, ok := rec.fields[field]; ok && v == value {
			ids = append(ids, id)
		}
	}
	tx.store.mu.Unlock()

	for id, w := range tx.writes {
		if w.removed || w.kind != kind {
			continue
		}
		if v, ok := w.fields[field]; ok && v == value {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true

	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTxClosed
	}

	for id, seen := range tx.reads {
		if m.records[id].version != seen {
			return ErrConflict
		}
	}
	for key, seen := range tx.indexReads {
		if m.index[key] != seen {
			return ErrConflict
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}

	m.clock++
	for id, w := range tx.writes {
		m.touch(w.kind, m.records[id].fields, w.fields)
		if w.removed {
			delete(m.records, id)
			continue
		}
		m.records[id] = memRecord{kind: w.kind, fields: w.fields, version: m.clock}
	}
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return nil
}

// touch marks every tuple present in exactly one of before/after as changed
// at the current clock.
func (m *Memory) touch(kind Kind, before, after Fields) {
	for f, v := range before {
		if nv, ok := after[f]; !ok || nv != v {
			m.index[indexKey{kind: kind, field: f, value: v}] = m.clock
		}
	}
	for f, v := range after {
		if ov, ok := before[f]; !ok || ov != v {
			m.index[indexKey{kind: kind, field: f, value: v}] = m.clock
		}
	}
}
