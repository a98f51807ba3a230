package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/backoff"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/testutil"
)

// fixture is an engine over a fresh memory store with a scripted
// dispatcher and a manual clock.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *store.Memory
	disp   *testutil.Dispatcher
	clock  *testutil.ManualClock
}

func newFixture(t *testing.T, m *model.ProcessModel, opts ...Option) *fixture {
	t.Helper()
	reg, err := model.NewRegistry(m)
	require.NoError(t, err)

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		disp:  testutil.NewDispatcher(),
		clock: testutil.NewManualClock(testutil.Epoch),
	}
	base := []Option{
		WithDispatcher(f.disp),
		WithClock(f.clock),
		WithUUIDGenerator(testutil.NewSequenceGenerator("pi")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryBackoff(backoff.Constant{Interval: time.Minute}),
		WithConflictBackoff(backoff.Constant{Interval: time.Millisecond}),
	}
	f.engine = New(f.store, reg, append(base, opts...)...)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func buildModel(t *testing.T, name string, nodes ...model.ProcessNode) *model.ProcessModel {
	t.Helper()
	b := model.NewBuilder(name)
	for _, n := range nodes {
		b.Add(n)
	}
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func (f *fixture) start(ref string, input ir.Object) *instance.ProcessInstance {
	f.t.Helper()
	p, err := f.engine.Start(f.ctx, ref, "alice", input)
	require.NoError(f.t, err)
	require.NotNil(f.t, p)
	return p
}

func (f *fixture) instance(h ir.Handle[instance.ProcessInstance]) *instance.ProcessInstance {
	f.t.Helper()
	p, err := f.engine.Instance(f.ctx, h)
	require.NoError(f.t, err)
	return p
}

// occurrences returns the instances of model node id, oldest first.
func (f *fixture) occurrences(p ir.Handle[instance.ProcessInstance], id string) []*instance.NodeInstance {
	f.t.Helper()
	nodes, err := f.engine.Nodes(f.ctx, p)
	require.NoError(f.t, err)
	var out []*instance.NodeInstance
	for _, n := range nodes {
		if n.Node() == id {
			out = append(out, n)
		}
	}
	return out
}

// only returns the single instance of model node id.
func (f *fixture) only(p ir.Handle[instance.ProcessInstance], id string) *instance.NodeInstance {
	f.t.Helper()
	occ := f.occurrences(p, id)
	require.Len(f.t, occ, 1, "occurrences of %s", id)
	return occ[0]
}

func (f *fixture) deliver(p ir.Handle[instance.ProcessInstance], id string, results ir.Object) {
	f.t.Helper()
	require.NoError(f.t, f.engine.Deliver(f.ctx, f.only(p, id).Handle(), results))
}

// linearModel is start -> charge -> done. The end exports the receipt.
func linearModel(t *testing.T) *model.ProcessModel {
	return buildModel(t, "linear",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"order"}},
		model.ProcessNode{ID: "charge", Kind: model.KindActivity, Predecessors: []string{"start"},
			Endpoint: "billing.charge", Scope: "billing:write",
			Defines: []model.Define{{From: "start"}}, Results: []string{"receipt"}},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"charge"},
			Defines: []model.Define{{From: "charge"}}},
	)
}

// reviewModel is start -> route(a|b) -> merge -> done, with the given join
// bounds.
func reviewModel(t *testing.T, join model.Bounds) *model.ProcessModel {
	return buildModel(t, "review",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"doc"}},
		model.ProcessNode{ID: "route", Kind: model.KindSplit, Predecessors: []string{"start"},
			Branches: []model.Branch{{To: "a", When: model.When("doc.a")}, {To: "b", When: model.When("doc.b")}},
			Bounds:   model.Bounds{Min: 1, Max: 2}},
		model.ProcessNode{ID: "a", Kind: model.KindActivity, Predecessors: []string{"route"}, Results: []string{"verdict"}},
		model.ProcessNode{ID: "b", Kind: model.KindActivity, Predecessors: []string{"route"}, Results: []string{"verdict"}},
		model.ProcessNode{ID: "merge", Kind: model.KindJoin, Predecessors: []string{"a", "b"}, Bounds: join},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"merge"},
			Defines: []model.Define{{Name: "verdict", From: "merge", Ref: "verdict"}}},
	)
}

func doc(a, b bool) ir.Object {
	return ir.Object{"doc": ir.Object{"a": ir.Bool(a), "b": ir.Bool(b)}}
}

// billingModel is start -> bill(composite: start -> pay -> end) -> done.
func billingModel(t *testing.T) *model.ProcessModel {
	child := buildModel(t, "bill",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"amount"}},
		model.ProcessNode{ID: "pay", Kind: model.KindActivity, Predecessors: []string{"start"},
			Endpoint: "billing.pay", Defines: []model.Define{{From: "start"}}, Results: []string{"total"}},
		model.ProcessNode{ID: "end", Kind: model.KindEnd, Predecessors: []string{"pay"},
			Defines: []model.Define{{From: "pay"}}},
	)
	return buildModel(t, "billing",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"amount"}},
		model.ProcessNode{ID: "bill", Kind: model.KindComposite, Predecessors: []string{"start"},
			Defines: []model.Define{{From: "start"}}, Results: []string{"total"}, Child: child},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"bill"},
			Defines: []model.Define{{From: "bill"}}},
	)
}
