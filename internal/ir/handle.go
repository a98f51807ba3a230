package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle is an opaque, comparable identity for a stored entity of type T.
//
// The zero value is the invalid handle. Handles are durable numeric ids
// allocated by a store; they carry no structure and are resolved only through
// the store that issued them.
type Handle[T any] struct {
	id int64
}

// HandleOf wraps a store-allocated id. Non-positive ids yield the invalid handle.
func HandleOf[T any](id int64) Handle[T] {
	if id <= 0 {
		return Handle[T]{}
	}
	return Handle[T]{id: id}
}

// Invalid returns the distinguished invalid handle for T.
func Invalid[T any]() Handle[T] {
	return Handle[T]{}
}

// ID returns the underlying store id (0 for the invalid handle).
func (h Handle[T]) ID() int64 {
	return h.id
}

// Valid reports whether h refers to an entity at all.
// A valid handle may still be unknown to a store.
func (h Handle[T]) Valid() bool {
	return h.id > 0
}

// String renders the handle as "#<id>", or "#invalid".
func (h Handle[T]) String() string {
	if !h.Valid() {
		return "#invalid"
	}
	return "#" + strconv.FormatInt(h.id, 10)
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle[T]) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(h.id, 10)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle[T]) UnmarshalText(data []byte) error {
	parsed, err := ParseHandle[T](string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses "42" or "#42". "0", "" and "#invalid" parse to the
// invalid handle.
func ParseHandle[T any](s string) (Handle[T], error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" || s == "invalid" {
		return Handle[T]{}, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Handle[T]{}, fmt.Errorf("parse handle %q: %w", s, err)
	}
	if id < 0 {
		return Handle[T]{}, fmt.Errorf("parse handle %q: negative id", s)
	}
	return HandleOf[T](id), nil
}

// HandleIDs flattens handles to their ids, preserving order.
func HandleIDs[T any](hs []Handle[T]) []int64 {
	ids := make([]int64, len(hs))
	for i, h := range hs {
		ids[i] = h.id
	}
	return ids
}

// HandlesOf is the inverse of HandleIDs.
func HandlesOf[T any](ids []int64) []Handle[T] {
	hs := make([]Handle[T], len(ids))
	for i, id := range ids {
		hs[i] = HandleOf[T](id)
	}
	return hs
}
