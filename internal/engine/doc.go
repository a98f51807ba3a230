// Package engine executes process instances.
//
// An Engine owns no state of its own: process and node instances live in a
// store.Store and every operation is a unit of work against it.
//
// Graph walk:
// Completing a node queues it; draining the queue creates or joins the
// node instances of its successors. Activities and composites become
// runnable, splits evaluate their branch conditions inline, joins wait
// for their arrivals. Joins are settled only once nothing else is queued,
// so a fan-out is fully spawned before any join counts its arrivals.
// An instance completes when an end node is complete and no node instance
// is live.
//
// Dispatch:
// Sending an activity's message happens after the walk commits. The send
// is prepared in one transaction, performed outside any transaction and
// its reply recorded in another, so a slow remote side never holds the
// store. Replies for an attempt that is no longer current are dropped.
//
// Concurrency:
// Operations on the same instance may race. The store rejects the loser's
// commit with store.ErrConflict and the engine re-runs the whole operation
// against fresh state. Operations are idempotent, so re-running one that
// already took effect is harmless.
//
// Retry:
// A failed send moves an activity to fail_retry with a retry time drawn
// from the retry backoff. The Poller finds due nodes and retries them;
// after MaxDispatchAttempts failures the node is failed for good and
// waits for an operator.
package engine
