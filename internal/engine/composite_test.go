package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
)

func TestComposite_ExportsChildResults(t *testing.T) {
	f := newFixture(t, billingModel(t))
	f.disp.Script("pay", dispatch.Acknowledged(ir.Object{"total": ir.Int(42), "fee": ir.Int(2)}))

	p := f.start("billing", ir.Object{"amount": ir.Int(40)})

	assert.Equal(t, instance.ProcessComplete, p.State())
	assert.Equal(t, ir.Object{"total": ir.Int(42)}, p.Results())

	bill := f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Complete, bill.State())
	assert.Equal(t, ir.Object{"total": ir.Int(42)}, bill.Results())
	link, ok := bill.Composite()
	require.True(t, ok)
	require.True(t, link.Child.Valid())

	children, err := f.engine.Children(f.ctx, p.Handle())
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, link.Child, child.Handle())
	assert.Equal(t, model.ChildRef("billing", "bill"), child.ModelRef())
	assert.Equal(t, bill.Handle(), child.ParentActivity())
	assert.Equal(t, "alice", child.Owner())
	assert.Equal(t, instance.ProcessComplete, child.State())

	childStart := f.only(child.Handle(), "start")
	assert.Equal(t, ir.Object{"amount": ir.Int(40)}, childStart.Results())

	msgs := f.disp.MessagesFor("pay")
	require.Len(t, msgs, 1)
	assert.Equal(t, child.UUID(), msgs[0].Instance)
	assert.Equal(t, ir.Object{"amount": ir.Int(40)}, msgs[0].Payload)
}

func TestComposite_WaitsForChild(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})

	bill := f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Sent, bill.State())
	link, _ := bill.Composite()
	assert.Equal(t, instance.Running, f.instance(link.Child).State())

	f.deliver(link.Child, "pay", ir.Object{"total": ir.Int(11)})

	assert.Equal(t, instance.ProcessComplete, f.instance(link.Child).State())
	got := f.instance(p.Handle())
	assert.Equal(t, instance.ProcessComplete, got.State())
	assert.Equal(t, ir.Object{"total": ir.Int(11)}, got.Results())
}

func TestCancelInstance_CascadesToChild(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	link, _ := f.only(p.Handle(), "bill").Composite()

	require.NoError(t, f.engine.CancelInstance(f.ctx, p.Handle()))

	assert.Equal(t, instance.ProcessCancelled, f.instance(p.Handle()).State())
	assert.Equal(t, instance.ProcessCancelled, f.instance(link.Child).State())
	assert.Equal(t, instance.Cancelled, f.only(p.Handle(), "bill").State())
	assert.Equal(t, instance.Cancelled, f.only(link.Child, "pay").State())

	cancelled := f.disp.Cancelled()
	require.Len(t, cancelled, 1)
	assert.Equal(t, "pay", cancelled[0].Node)
}

func TestCancelInstance_ChildFailsParentActivity(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	link, _ := f.only(p.Handle(), "bill").Composite()

	require.NoError(t, f.engine.CancelInstance(f.ctx, link.Child))

	bill := f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Failed, bill.State())
	cause, ok := bill.Failure()
	require.True(t, ok)
	assert.Equal(t, string(ErrCodeChildCancelled), cause.Code)
	assert.Equal(t, instance.Running, f.instance(p.Handle()).State())
}

func TestCancelNode_Composite(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	bill := f.only(p.Handle(), "bill")
	link, _ := bill.Composite()

	require.NoError(t, f.engine.CancelNode(f.ctx, bill.Handle()))

	assert.Equal(t, instance.Cancelled, f.only(p.Handle(), "bill").State())
	assert.Equal(t, instance.ProcessCancelled, f.instance(link.Child).State())
	assert.Equal(t, instance.ProcessAbandoned, f.instance(p.Handle()).State())
}

func TestComposite_RetryAfterChildCancelled(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	bill := f.only(p.Handle(), "bill")
	first, _ := bill.Composite()

	require.NoError(t, f.engine.CancelInstance(f.ctx, first.Child))
	require.Equal(t, instance.Failed, f.only(p.Handle(), "bill").State())

	require.NoError(t, f.engine.Retry(f.ctx, bill.Handle()))

	bill = f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Sent, bill.State())
	second, _ := bill.Composite()
	require.True(t, second.Child.Valid())
	assert.NotEqual(t, first.Child, second.Child)
	assert.Equal(t, instance.Running, f.instance(second.Child).State())

	assert.Equal(t, instance.ProcessCancelled, f.instance(first.Child).State())
	children, err := f.engine.Children(f.ctx, p.Handle())
	require.NoError(t, err)
	require.Len(t, children, 1, "only the current child is linked")
	assert.Equal(t, second.Child, children[0].Handle())
	assert.Equal(t, bill.Handle(), children[0].ParentActivity())

	f.deliver(second.Child, "pay", ir.Object{"total": ir.Int(12)})

	got := f.instance(p.Handle())
	assert.Equal(t, instance.ProcessComplete, got.State())
	assert.Equal(t, ir.Object{"total": ir.Int(12)}, got.Results())
}

func TestComposite_RetryKeepsCompletedChild(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	bill := f.only(p.Handle(), "bill")
	link, _ := bill.Composite()

	// An operator fails the composite while its child is still running;
	// the child's late completion is ignored until the retry picks it up.
	require.NoError(t, f.engine.Fail(f.ctx, bill.Handle(), instance.Failure{Message: "stuck"}, false))
	f.deliver(link.Child, "pay", ir.Object{"total": ir.Int(9), "fee": ir.Int(1)})
	assert.Equal(t, instance.ProcessComplete, f.instance(link.Child).State())
	assert.Equal(t, instance.Failed, f.only(p.Handle(), "bill").State())

	require.NoError(t, f.engine.Retry(f.ctx, bill.Handle()))

	bill = f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Complete, bill.State())
	assert.Equal(t, ir.Object{"total": ir.Int(9)}, bill.Results())
	again, _ := bill.Composite()
	assert.Equal(t, link.Child, again.Child)
	assert.Equal(t, instance.ProcessComplete, f.instance(p.Handle()).State())
}

func TestComposite_AbandonedChildFailsParent(t *testing.T) {
	f := newFixture(t, billingModel(t))
	p := f.start("billing", ir.Object{"amount": ir.Int(10)})
	link, _ := f.only(p.Handle(), "bill").Composite()

	pay := f.only(link.Child, "pay").Handle()
	require.NoError(t, f.engine.Fail(f.ctx, pay, instance.Failure{Message: "declined"}, false))
	require.NoError(t, f.engine.Skip(f.ctx, pay))

	assert.Equal(t, instance.ProcessAbandoned, f.instance(link.Child).State())
	bill := f.only(p.Handle(), "bill")
	assert.Equal(t, instance.Failed, bill.State())
	cause, ok := bill.Failure()
	require.True(t, ok)
	assert.Equal(t, string(ErrCodeChildAbandoned), cause.Code)
	assert.Equal(t, instance.Running, f.instance(p.Handle()).State())
}

func TestComposite_ExportsOnlyDeclaredResults(t *testing.T) {
	both := []model.Define{{From: "start", Ref: "price"}, {From: "start", Ref: "margin"}}
	child := buildModel(t, "quote",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"price", "margin"}},
		model.ProcessNode{ID: "end", Kind: model.KindEnd, Predecessors: []string{"start"}, Defines: both},
	)
	m := buildModel(t, "sales",
		model.ProcessNode{ID: "start", Kind: model.KindStart, Results: []string{"price", "margin"}},
		model.ProcessNode{ID: "quote", Kind: model.KindComposite, Predecessors: []string{"start"},
			Defines: both, Results: []string{"price"}, Child: child},
		model.ProcessNode{ID: "done", Kind: model.KindEnd, Predecessors: []string{"quote"},
			Defines: []model.Define{{From: "quote"}}},
	)
	f := newFixture(t, m)
	p := f.start("sales", ir.Object{"price": ir.Int(7), "margin": ir.Int(3)})

	quote := f.only(p.Handle(), "quote")
	assert.Equal(t, instance.Complete, quote.State())
	assert.Equal(t, ir.Object{"price": ir.Int(7)}, quote.Results())
	link, _ := quote.Composite()
	assert.Equal(t, ir.Object{"price": ir.Int(7), "margin": ir.Int(3)}, f.instance(link.Child).Results())

	got := f.instance(p.Handle())
	assert.Equal(t, instance.ProcessComplete, got.State())
	assert.Equal(t, ir.Object{"price": ir.Int(7)}, got.Results())
}
