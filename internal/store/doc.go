// Package store provides transactional storage of flat entity records.
//
// Every persistent entity is a set of (handle, field, value) tuples grouped
// under a Kind. A Store hands out Tx values; all reads and writes go through
// a Tx and become visible atomically on Commit.
//
// # Backends
//
//   - Memory: ephemeral, optimistic. Reads are versioned and validated at
//     commit; a stale read fails the commit with ErrConflict.
//   - SQLite: durable (mattn/go-sqlite3), WAL mode, single connection so
//     transactions serialize.
//   - Bolt: durable (go.etcd.io/bbolt), bucket per kind, one writer at a time.
//
// # Identity
//
// Ids are positive int64 values allocated by the store and never reused.
// An unknown or non-positive id is "not found", never a crash.
//
// Table[T] layers typed handles and a Codec over the raw Tx contract.
package store
