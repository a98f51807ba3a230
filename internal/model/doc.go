// Package model defines static process models: immutable graphs of typed
// nodes connected by predecessor edges.
//
// A ProcessModel is produced by a Builder, which validates the whole graph
// and reports every problem it finds as a ValidationErrors value. Once built,
// a model is read-only and shared by all instances created from it.
//
// Node kinds:
//
//   - start: the single entry node; no predecessors.
//   - activity: dispatched to an external endpoint.
//   - split: fans out to successors whose branch conditions hold.
//   - join: fans in once enough predecessors have completed.
//   - composite: runs a nested child model as its own instance.
//   - end: terminal node whose resolved inputs become instance results.
//
// Conditions are CUE boolean expressions evaluated with instance data as
// their scope.
package model
