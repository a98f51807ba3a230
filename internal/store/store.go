package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

var (
	// ErrNotFound is returned when a handle does not resolve to a record.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by Commit when another transaction changed a
	// record this one read. The whole unit of work must be retried.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrTxClosed is returned when a Tx is used after Commit or Rollback.
	ErrTxClosed = errors.New("store: transaction closed")

	// ErrKindMismatch is returned when an id is addressed under the wrong kind.
	ErrKindMismatch = errors.New("store: kind mismatch")
)

// Kind names a family of records, e.g. "process_instance".
type Kind string

// Fields is the flat field/value form of one record.
type Fields map[string]string

// Clone returns a shallow copy; nil stays nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Equal reports whether two field sets hold the same pairs.
func (f Fields) Equal(other Fields) bool {
	return maps.Equal(f, other)
}

// Store is a transactional key/value store of flat records.
type Store interface {
	// Begin starts a transaction. SQL and bolt backends block here until any
	// other writer finishes.
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a unit of work. Not safe for concurrent use.
type Tx interface {
	// Put stores a new record and returns its freshly allocated id.
	Put(kind Kind, fields Fields) (int64, error)

	// Get loads a record. ok is false for unknown, removed, non-positive or
	// other-kind ids.
	Get(kind Kind, id int64) (fields Fields, ok bool, err error)

	// Set replaces a record and returns its previous fields.
	// Returns ErrNotFound for unknown ids and ErrKindMismatch for other kinds.
	Set(kind Kind, id int64, fields Fields) (old Fields, err error)

	// Remove deletes a record, reporting whether it existed.
	Remove(kind Kind, id int64) (bool, error)

	// Find returns the ids of kind whose field equals value, ascending.
	Find(kind Kind, field, value string) ([]int64, error)

	Commit() error
	Rollback() error
}

// Update runs fn in a transaction, committing on success and rolling back
// on error or panic.
func Update(ctx context.Context, s Store, fn func(Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens a store by backend name. path is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendSQLite:
		return OpenSQLite(path)
	case BackendBolt, "bbolt":
		return OpenBolt(path)
	case BackendMemory, "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite, bolt or memory)", backend)
	}
}
