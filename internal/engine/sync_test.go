package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

func TestSplitJoin_OnlyOneBranchMatches(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{}))

	p := f.start("review", doc(true, false))

	route := f.only(p.Handle(), "route")
	assert.Equal(t, instance.Complete, route.State())
	split, ok := route.Split()
	require.True(t, ok)
	assert.True(t, split.Evaluated)
	assert.Equal(t, []string{"a"}, split.Branches)
	assert.Equal(t, doc(true, false), route.Results(), "a split without defines sees its predecessors' results")

	assert.Empty(t, f.occurrences(p.Handle(), "b"))
	a := f.only(p.Handle(), "a")
	assert.Equal(t, instance.Sent, a.State())
	assert.Equal(t, []ir.Handle[instance.NodeInstance]{a.Handle()}, split.Spawned)

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})

	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Complete, merge.State())
	join, ok := merge.Join()
	require.True(t, ok)
	assert.Equal(t, []ir.Handle[instance.NodeInstance]{a.Handle()}, join.Arrivals)

	got := f.instance(p.Handle())
	assert.Equal(t, instance.ProcessComplete, got.State())
	assert.Equal(t, ir.Object{"verdict": ir.String("approve")}, got.Results())
}

func TestSplitJoin_BothBranchesWaitForEachOther(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{}))
	p := f.start("review", doc(true, true))

	f.deliver(p.Handle(), "b", ir.Object{"verdict": ir.String("reject")})
	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Pending, merge.State(), "a is still live upstream")

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})

	merge = f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Complete, merge.State())
	assert.Equal(t, ir.Object{"verdict": ir.String("approve")}, merge.Results(),
		"merged results follow predecessor declaration order, not arrival order")
	assert.Len(t, f.occurrences(p.Handle(), "done"), 1)
	assert.Equal(t, instance.ProcessComplete, f.instance(p.Handle()).State())
}

func TestJoin_RepeatedDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{}))
	p := f.start("review", doc(true, true))

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})
	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})
	require.NoError(t, f.engine.Advance(f.ctx, f.only(p.Handle(), "a").Handle()))

	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Pending, merge.State())
	join, _ := merge.Join()
	assert.Len(t, join.Arrivals, 1)
}

func TestJoin_MaxReachedFiresEarly(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{Min: 1, Max: 1}))
	p := f.start("review", doc(true, true))

	f.deliver(p.Handle(), "b", ir.Object{"verdict": ir.String("reject")})

	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Complete, merge.State())
	assert.Equal(t, ir.Object{"verdict": ir.String("reject")}, merge.Results())
	// a is still running, so the instance is not finished yet.
	assert.Equal(t, instance.Running, f.instance(p.Handle()).State())

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})

	merge = f.only(p.Handle(), "merge")
	join, _ := merge.Join()
	assert.Len(t, join.Arrivals, 1)
	assert.Len(t, join.Late, 1, "arrivals after firing are recorded, not fed forward")
	assert.Len(t, f.occurrences(p.Handle(), "done"), 1)

	got := f.instance(p.Handle())
	assert.Equal(t, instance.ProcessComplete, got.State())
	assert.Equal(t, ir.Object{"verdict": ir.String("reject")}, got.Results())
}

func TestJoin_StrictOverflow(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{Min: 1, Max: 1, Strict: true}))
	p := f.start("review", doc(true, true))

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})
	assert.Equal(t, instance.Pending, f.only(p.Handle(), "merge").State(), "strict joins wait for every live path")

	f.deliver(p.Handle(), "b", ir.Object{"verdict": ir.String("reject")})

	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Failed, merge.State())
	cause, ok := merge.Failure()
	require.True(t, ok)
	assert.Equal(t, string(ErrCodeJoinOverflow), cause.Code)
	assert.Empty(t, f.occurrences(p.Handle(), "done"))
}

func TestJoin_UnderflowWhenPathCancelled(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{Min: 2, Max: 2}))
	p := f.start("review", doc(true, true))

	f.deliver(p.Handle(), "a", ir.Object{"verdict": ir.String("approve")})
	require.NoError(t, f.engine.CancelNode(f.ctx, f.only(p.Handle(), "b").Handle()))

	merge := f.only(p.Handle(), "merge")
	assert.Equal(t, instance.Failed, merge.State())
	cause, _ := merge.Failure()
	assert.Equal(t, string(ErrCodeJoinUnderflow), cause.Code)
}

func TestJoin_Select(t *testing.T) {
	m := buildModel(t, "quotes",
		model.ProcessNode{ID: "start", Kind: model.KindStart},
		model.ProcessNode{ID: "fan", Kind: model.KindSplit, Predecessors: []string{"start"}},
		model.ProcessNode{ID: "x", Kind: model.KindActivity, Predecessors: []string{"fan"}, Results: []string{"price"}},
		model.ProcessNode{ID: "y", Kind: model.KindActivity, Predecessors: []string{"fan"}, Results: []string{"price"}},
		model.ProcessNode{ID: "best", Kind: model.KindJoin, Predecessors: []string{"x", "y"},
			Select: model.When("price < 100")},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"best"},
			Defines: []model.Define{{From: "best", Ref: "price"}}},
	)
	f := newFixture(t, m)
	p := f.start("quotes", nil)

	f.deliver(p.Handle(), "x", ir.Object{"price": ir.Int(120)})
	f.deliver(p.Handle(), "y", ir.Object{"price": ir.Int(80)})

	assert.Equal(t, ir.Object{"price": ir.Int(80)}, f.only(p.Handle(), "best").Results())
	assert.Equal(t, ir.Object{"price": ir.Int(80)}, f.instance(p.Handle()).Results())
}

func TestSplit_Underflow(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{}))
	p := f.start("review", doc(false, false))

	route := f.only(p.Handle(), "route")
	assert.Equal(t, instance.Failed, route.State())
	cause, ok := route.Failure()
	require.True(t, ok)
	assert.Equal(t, string(ErrCodeSplitUnderflow), cause.Code)
	assert.Empty(t, f.occurrences(p.Handle(), "a"))
	assert.Empty(t, f.occurrences(p.Handle(), "b"))
	assert.Empty(t, f.disp.Messages())
}

func TestSplit_Overflow(t *testing.T) {
	m := buildModel(t, "narrow",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"doc"}},
		model.ProcessNode{ID: "route", Kind: model.KindSplit, Predecessors: []string{"start"},
			Branches: []model.Branch{{To: "a", When: model.When("doc.a")}, {To: "b", When: model.When("doc.b")}},
			Bounds:   model.Bounds{Min: 1, Max: 1}},
		model.ProcessNode{ID: "a", Kind: model.KindActivity, Predecessors: []string{"route"}},
		model.ProcessNode{ID: "b", Kind: model.KindActivity, Predecessors: []string{"route"}},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"a", "b"}},
	)
	f := newFixture(t, m)
	p := f.start("narrow", doc(true, true))

	route := f.only(p.Handle(), "route")
	assert.Equal(t, instance.Failed, route.State())
	cause, _ := route.Failure()
	assert.Equal(t, string(ErrCodeSplitOverflow), cause.Code)
	assert.Empty(t, f.occurrences(p.Handle(), "a"))
}

func TestSplit_Otherwise(t *testing.T) {
	m := buildModel(t, "ship",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"order"}},
		model.ProcessNode{ID: "route", Kind: model.KindSplit, Predecessors: []string{"start"},
			Defines: []model.Define{{From: "start"}},
			Branches: []model.Branch{
				{To: "express", When: model.When("order.express")},
				{To: "standard", When: model.Otherwise},
			}},
		model.ProcessNode{ID: "express", Kind: model.KindActivity, Predecessors: []string{"route"}},
		model.ProcessNode{ID: "standard", Kind: model.KindActivity, Predecessors: []string{"route"}},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"express", "standard"}},
	)
	f := newFixture(t, m)

	slow := f.start("ship", ir.Object{"order": ir.Object{"express": ir.Bool(false)}})
	assert.Empty(t, f.occurrences(slow.Handle(), "express"))
	assert.Len(t, f.occurrences(slow.Handle(), "standard"), 1)

	fast := f.start("ship", ir.Object{"order": ir.Object{"express": ir.Bool(true)}})
	assert.Len(t, f.occurrences(fast.Handle(), "express"), 1)
	assert.Empty(t, f.occurrences(fast.Handle(), "standard"), "otherwise only matches when nothing else did")
}

func TestSplit_ConditionErrorIsDataError(t *testing.T) {
	f := newFixture(t, reviewModel(t, model.Bounds{}))
	p := f.start("review", ir.Object{"doc": ir.String("not an object")})

	route := f.only(p.Handle(), "route")
	assert.Equal(t, instance.Failed, route.State())
	cause, _ := route.Failure()
	assert.Equal(t, string(ErrCodeDataError), cause.Code)
}

func TestEntryNumbers_OnePerPredecessor(t *testing.T) {
	m := buildModel(t, "fanin",
		model.ProcessNode{ID: "start", Kind: model.KindStart},
		model.ProcessNode{ID: "fan", Kind: model.KindSplit, Predecessors: []string{"start"}},
		model.ProcessNode{ID: "x", Kind: model.KindActivity, Predecessors: []string{"fan"}},
		model.ProcessNode{ID: "y", Kind: model.KindActivity, Predecessors: []string{"fan"}},
		model.ProcessNode{ID: "audit", Kind: model.KindActivity, Predecessors: []string{"x", "y"}},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"audit"}},
	)
	f := newFixture(t, m)
	p := f.start("fanin", nil)

	f.deliver(p.Handle(), "x", nil)
	f.deliver(p.Handle(), "y", nil)

	audits := f.occurrences(p.Handle(), "audit")
	require.Len(t, audits, 2)
	assert.Equal(t, 1, audits[0].EntryNo())
	assert.Equal(t, 2, audits[1].EntryNo())

	require.NoError(t, f.engine.Deliver(f.ctx, audits[0].Handle(), nil))
	assert.Equal(t, instance.Running, f.instance(p.Handle()).State(), "second audit is still live")
	require.NoError(t, f.engine.Deliver(f.ctx, audits[1].Handle(), nil))

	assert.Len(t, f.occurrences(p.Handle(), "done"), 2)
	assert.Equal(t, instance.ProcessComplete, f.instance(p.Handle()).State())
}

func TestJoin_ConcurrentArrivals(t *testing.T) {
	for range 10 {
		f := newFixture(t, reviewModel(t, model.Bounds{}))
		p := f.start("review", doc(true, true))
		a := f.only(p.Handle(), "a").Handle()
		b := f.only(p.Handle(), "b").Handle()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, h := range []ir.Handle[instance.NodeInstance]{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = f.engine.Deliver(f.ctx, h, ir.Object{"verdict": ir.Int(int64(i))})
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		merge := f.only(p.Handle(), "merge")
		assert.Equal(t, instance.Complete, merge.State())
		join, _ := merge.Join()
		assert.Len(t, join.Arrivals, 2)
		assert.Len(t, f.occurrences(p.Handle(), "done"), 1)
		assert.Equal(t, ir.Object{"verdict": ir.Int(0)}, f.instance(p.Handle()).Results())
	}
}
