// Package instance holds the runtime records of process execution.
//
// A ProcessInstance is one execution of a model. A NodeInstance is one
// occurrence of a model node inside it. Both are immutable values; all
// changes go through a builder that records only the fields it touched and
// yields a new value on Build, or the original pointer when nothing changed.
//
// NodeInstance is a tagged variant: every record shares a base (state,
// predecessors, results, failure) and carries at most one payload selected by
// its Variant (split, join or composite).
//
// Records map to flat store.Fields through NodeCodec and ProcessCodec.
package instance
