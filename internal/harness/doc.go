// Package harness runs scripted scenarios against the process engine.
//
// A scenario starts one instance of a CUE-defined process model on a fresh
// in-memory store, answers its dispatches from a script, applies operator
// steps, and checks assertions against the resulting trace.
//
// # Scenario Format
//
//	name: invoice_retry
//	description: "A failed charge is retried by the poller"
//	models:
//	  - models/invoice.cue
//	model: invoice
//	owner: alice
//	input: { order: { id: "o-1", total: 42 } }
//	dispatch:
//	  charge:
//	    - { status: failed, error: "gateway timeout" }
//	    - { status: acknowledged, results: { receipt: "r-1" } }
//	steps:
//	  - clock: 1m
//	  - poll: true
//	assertions:
//	  - { type: node_state, node: charge, state: complete }
//	  - { type: dispatch_count, node: charge, count: 2 }
//	  - { type: instance_state, state: complete }
//
// Steps perform exactly one of deliver, acknowledge, fail, retry, skip,
// cancel_node (each naming a node reference), cancel (the whole instance),
// clock (advance the manual clock) or poll (run the retry poller once).
// A node reference is a model node id, optionally prefixed by composite
// node ids ("bill/charge") and suffixed by an entry number ("charge#2").
//
// # Assertion Types
//
//   - node_state: a node instance is in the given state
//   - node_count: a node occurred exactly N times
//   - failure: a node instance carries the given failure code
//   - results: a node's (or the instance's) results contain the given values
//   - instance_state: the instance ended in the given state
//   - dispatch_count: a node was dispatched exactly N times
//   - dispatch_order: nodes were first dispatched in the given order
//
// # Deterministic Testing
//
// Instances get sequential uuids derived from the scenario name, time only
// moves through clock steps, and the poller retries one node at a time, so
// a scenario always produces the same trace. RunWithGolden compares that
// trace with a goldie golden file.
package harness
