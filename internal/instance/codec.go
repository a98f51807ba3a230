package instance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/store"
)

// Store kinds.
const (
	KindNode    store.Kind = "node_instance"
	KindProcess store.Kind = "process_instance"
)

// fieldVersion holds ir.RecordVersion on both kinds. Rows written before
// it existed have no version and read as the current one.
const fieldVersion = "record_version"

// Node instance fields. Exported where the engine queries by them.
const (
	FieldInstance = "instance"
	FieldNode     = "node"
	FieldState    = "state"

	fieldVariant        = "variant"
	fieldEntryNo        = "entry_no"
	fieldSeq            = "seq"
	fieldPredecessors   = "predecessors"
	fieldResults        = "results"
	fieldFailureCode    = "failure_code"
	fieldFailureMessage = "failure_message"
	fieldAttempts       = "attempts"
	fieldRetryAt        = "retry_at"
	fieldSplitEvaluated = "split_evaluated"
	fieldSplitBranches  = "split_branches"
	fieldSplitSpawned   = "split_spawned"
	fieldJoinArrivals   = "join_arrivals"
	fieldJoinLate       = "join_late"
	fieldChild          = "child"
)

// Process instance fields.
const (
	FieldUUID           = "uuid"
	FieldParentActivity = "parent_activity"
	FieldProcessState   = "state"

	fieldOwner     = "owner"
	fieldModel     = "model"
	fieldModelHash = "model_hash"
	fieldPResults  = "results"
	fieldPSeq      = "seq"
)

// Nodes is the typed table of node instances.
var Nodes = store.NewTable[NodeInstance](NodeCodec{})

// Processes is the typed table of process instances.
var Processes = store.NewTable[ProcessInstance](ProcessCodec{})

// NodeCodec maps NodeInstance to flat fields.
type NodeCodec struct{}

func (NodeCodec) Kind() store.Kind { return KindNode }

func (NodeCodec) Encode(n *NodeInstance) (store.Fields, error) {
	f := store.Fields{
		FieldInstance:     store.FormatInt(n.instance.ID()),
		FieldNode:         n.node,
		FieldState:        string(n.state),
		fieldVariant:      string(n.variant),
		fieldEntryNo:      store.FormatInt(int64(n.entryNo)),
		fieldSeq:          store.FormatInt(n.seq),
		fieldPredecessors: store.FormatIDs(ir.HandleIDs(n.predecessors)),
		fieldAttempts:     store.FormatInt(int64(n.attempts)),
		fieldVersion:      ir.RecordVersion,
	}
	if n.results != nil {
		res, err := store.FormatObject(n.results)
		if err != nil {
			return nil, err
		}
		f[fieldResults] = res
	}
	if n.failure != nil {
		f[fieldFailureCode] = n.failure.Code
		f[fieldFailureMessage] = n.failure.Message
	}
	if !n.retryAt.IsZero() {
		f[fieldRetryAt] = store.FormatInt(n.retryAt.UnixNano())
	}

	switch n.variant {
	case VariantSplit:
		f[fieldSplitEvaluated] = store.FormatBool(n.split.Evaluated)
		f[fieldSplitBranches] = joinIDs(n.split.Branches)
		f[fieldSplitSpawned] = store.FormatIDs(ir.HandleIDs(n.split.Spawned))
	case VariantJoin:
		f[fieldJoinArrivals] = store.FormatIDs(ir.HandleIDs(n.join.Arrivals))
		f[fieldJoinLate] = store.FormatIDs(ir.HandleIDs(n.join.Late))
	case VariantComposite:
		f[fieldChild] = store.FormatInt(n.composite.Child.ID())
	}
	return f, nil
}

func (NodeCodec) Decode(h ir.Handle[NodeInstance], f store.Fields) (*NodeInstance, error) {
	if err := checkVersion(f); err != nil {
		return nil, err
	}
	r := store.NewFieldReader(f)
	n := &NodeInstance{
		handle:       h,
		instance:     ir.HandleOf[ProcessInstance](r.Int(FieldInstance)),
		node:         r.Require(FieldNode),
		entryNo:      int(r.Int(fieldEntryNo)),
		seq:          r.Int(fieldSeq),
		predecessors: ir.HandlesOf[NodeInstance](r.IDs(fieldPredecessors)),
		results:      r.Object(fieldResults),
		attempts:     int(r.Int(fieldAttempts)),
	}
	if len(n.predecessors) == 0 {
		n.predecessors = nil
	}

	state, err := ParseState(r.Require(FieldState))
	if err != nil {
		return nil, err
	}
	n.state = state
	variant, err := ParseVariant(r.Require(fieldVariant))
	if err != nil {
		return nil, err
	}
	n.variant = variant

	if code, ok := f[fieldFailureCode]; ok {
		n.failure = &Failure{Code: code, Message: f[fieldFailureMessage]}
	}
	if ns := r.Int(fieldRetryAt); ns != 0 {
		n.retryAt = time.Unix(0, ns).UTC()
	}

	switch variant {
	case VariantSplit:
		branches, err := splitIDs(r.String(fieldSplitBranches))
		if err != nil {
			return nil, err
		}
		n.split = SplitPayload{
			Evaluated: r.Bool(fieldSplitEvaluated),
			Branches:  branches,
			Spawned:   nilIfEmpty(ir.HandlesOf[NodeInstance](r.IDs(fieldSplitSpawned))),
		}
	case VariantJoin:
		n.join = JoinPayload{
			Arrivals: nilIfEmpty(ir.HandlesOf[NodeInstance](r.IDs(fieldJoinArrivals))),
			Late:     nilIfEmpty(ir.HandlesOf[NodeInstance](r.IDs(fieldJoinLate))),
		}
	case VariantComposite:
		n.composite = CompositePayload{Child: ir.HandleOf[ProcessInstance](r.Int(fieldChild))}
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return n, nil
}

// ProcessCodec maps ProcessInstance to flat fields.
type ProcessCodec struct{}

func (ProcessCodec) Kind() store.Kind { return KindProcess }

func (ProcessCodec) Encode(p *ProcessInstance) (store.Fields, error) {
	f := store.Fields{
		FieldUUID:           p.uuid,
		fieldOwner:          p.owner,
		fieldModel:          p.modelRef,
		fieldModelHash:      p.modelHash,
		FieldParentActivity: store.FormatInt(p.parentActivity.ID()),
		FieldProcessState:   string(p.state),
		fieldPSeq:           store.FormatInt(p.seq),
		fieldVersion:        ir.RecordVersion,
	}
	if p.results != nil {
		res, err := store.FormatObject(p.results)
		if err != nil {
			return nil, err
		}
		f[fieldPResults] = res
	}
	return f, nil
}

func (ProcessCodec) Decode(h ir.Handle[ProcessInstance], f store.Fields) (*ProcessInstance, error) {
	if err := checkVersion(f); err != nil {
		return nil, err
	}
	r := store.NewFieldReader(f)
	p := &ProcessInstance{
		handle:         h,
		uuid:           r.Require(FieldUUID),
		owner:          r.String(fieldOwner),
		modelRef:       r.Require(fieldModel),
		modelHash:      r.String(fieldModelHash),
		parentActivity: ir.HandleOf[NodeInstance](r.Int(FieldParentActivity)),
		results:        r.Object(fieldPResults),
		seq:            r.Int(fieldPSeq),
	}
	state, err := ParseProcessState(r.Require(FieldProcessState))
	if err != nil {
		return nil, err
	}
	p.state = state
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func checkVersion(f store.Fields) error {
	if v, ok := f[fieldVersion]; ok && v != ir.RecordVersion {
		return fmt.Errorf("record version %q is not supported (want %s)", v, ir.RecordVersion)
	}
	return nil
}

func joinIDs(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func splitIDs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("field %q: %w", fieldSplitBranches, err)
	}
	return ids, nil
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
