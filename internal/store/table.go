package store

import (
	"fmt"

	"github.com/roach88/procflow/internal/ir"
)

// Codec maps a record type to and from its flat field form.
type Codec[T any] interface {
	Kind() Kind
	Encode(v *T) (Fields, error)
	// Decode receives the handle the record was stored under.
	Decode(h ir.Handle[T], fields Fields) (*T, error)
}

// Table is a typed view over one Kind of a Tx.
type Table[T any] struct {
	codec Codec[T]
}

// NewTable returns a Table using codec.
func NewTable[T any](codec Codec[T]) Table[T] {
	return Table[T]{codec: codec}
}

// Kind returns the codec's kind.
func (t Table[T]) Kind() Kind {
	return t.codec.Kind()
}

// Put stores v and returns its new handle.
func (t Table[T]) Put(tx Tx, v *T) (ir.Handle[T], error) {
	fields, err := t.codec.Encode(v)
	if err != nil {
		return ir.Invalid[T](), fmt.Errorf("encode %s: %w", t.Kind(), err)
	}
	id, err := tx.Put(t.Kind(), fields)
	if err != nil {
		return ir.Invalid[T](), err
	}
	return ir.HandleOf[T](id), nil
}

// Get loads the record for h. Returns ErrNotFound for invalid or unknown
// handles.
func (t Table[T]) Get(tx Tx, h ir.Handle[T]) (*T, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%s %s: %w", t.Kind(), h, ErrNotFound)
	}
	fields, ok, err := tx.Get(t.Kind(), h.ID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t.Kind(), h, ErrNotFound)
	}
	v, err := t.codec.Decode(h, fields)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", t.Kind(), h, err)
	}
	return v, nil
}

// Lookup is Get without the error for a missing record.
func (t Table[T]) Lookup(tx Tx, h ir.Handle[T]) (*T, bool, error) {
	if !h.Valid() {
		return nil, false, nil
	}
	fields, ok, err := tx.Get(t.Kind(), h.ID())
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := t.codec.Decode(h, fields)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s %s: %w", t.Kind(), h, err)
	}
	return v, true, nil
}

// Set replaces the record for h with v.
func (t Table[T]) Set(tx Tx, h ir.Handle[T], v *T) error {
	if !h.Valid() {
		return fmt.Errorf("%s %s: %w", t.Kind(), h, ErrNotFound)
	}
	fields, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", t.Kind(), h, err)
	}
	if _, err := tx.Set(t.Kind(), h.ID(), fields); err != nil {
		return fmt.Errorf("%s %s: %w", t.Kind(), h, err)
	}
	return nil
}

// Remove deletes the record for h, reporting whether it existed.
func (t Table[T]) Remove(tx Tx, h ir.Handle[T]) (bool, error) {
	if !h.Valid() {
		return false, nil
	}
	return tx.Remove(t.Kind(), h.ID())
}

// Find returns handles whose field equals value, in id order.
func (t Table[T]) Find(tx Tx, field, value string) ([]ir.Handle[T], error) {
	ids, err := tx.Find(t.Kind(), field, value)
	if err != nil {
		return nil, err
	}
	return ir.HandlesOf[T](ids), nil
}
