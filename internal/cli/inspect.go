package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	State    string // list filter when no instance is given
	Children bool
}

// InstanceView is the printable form of a process instance.
type InstanceView struct {
	Handle  string          `json:"handle"`
	UUID    string          `json:"uuid"`
	Model   string          `json:"model"`
	Owner   string          `json:"owner"`
	State   string          `json:"state"`
	Parent  string          `json:"parent,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
}

// NodeView is the printable form of a node instance.
type NodeView struct {
	Handle   string          `json:"handle"`
	Node     string          `json:"node"`
	Entry    int             `json:"entry"`
	State    string          `json:"state"`
	Attempts int             `json:"attempts,omitempty"`
	RetryAt  string          `json:"retry_at,omitempty"`
	Failure  string          `json:"failure,omitempty"`
	Child    string          `json:"child,omitempty"`
	Results  json.RawMessage `json:"results,omitempty"`
}

// InspectResult is one instance with its node instances and, optionally,
// the child instances of its composites.
type InspectResult struct {
	Instance InstanceView    `json:"instance"`
	Nodes    []NodeView      `json:"nodes"`
	Children []InspectResult `json:"children,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [instance]",
		Short: "Show a process instance and its node instances",
		Long: `Show a process instance and its node instances in creation order.

The instance is named by handle ("#3" or "3") or by uuid. Without an
argument, instances in the --state given are listed.

Examples:
  procflow inspect '#1'
  procflow inspect 0192f1c2-...
  procflow inspect --state running --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runList(opts, cmd)
			}
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", string(instance.Running), "instance state to list (running|complete|cancelled|abandoned)")
	cmd.Flags().BoolVar(&opts.Children, "children", true, "include child instances of composite nodes")

	return cmd
}

func runInspect(opts *InspectOptions, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()

	p, err := findInstance(ctx, rt.engine, ref)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "failed to load instance "+ref, err)
	}

	result, err := inspect(ctx, rt.engine, p, opts.Children)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "failed to load nodes", err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeInspect(formatter.Writer, result, 0)
	return nil
}

func runList(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	state, err := instance.ParseProcessState(opts.State)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "invalid --state", err)
	}

	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()

	list, err := rt.engine.Instances(ctx, state)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "failed to list instances", err)
	}
	views := make([]InstanceView, 0, len(list))
	for _, p := range list {
		views = append(views, instanceView(p))
	}

	if formatter.JSON() {
		return formatter.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintf(formatter.Writer, "No %s instances.\n", state)
		return nil
	}
	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tMODEL\tOWNER\tSTATE\tUUID")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Handle, v.Model, v.Owner, v.State, v.UUID)
	}
	return tw.Flush()
}

// findInstance resolves a handle or, failing that, a uuid.
func findInstance(ctx context.Context, e *engine.Engine, ref string) (*instance.ProcessInstance, error) {
	if h, err := engine.ParseProcessHandle(ref); err == nil {
		return e.Instance(ctx, h)
	}
	return e.InstanceByUUID(ctx, ref)
}

func inspect(ctx context.Context, e *engine.Engine, p *instance.ProcessInstance, children bool) (InspectResult, error) {
	result := InspectResult{Instance: instanceView(p)}

	nodes, err := e.Nodes(ctx, p.Handle())
	if err != nil {
		return result, err
	}
	result.Nodes = make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		result.Nodes = append(result.Nodes, nodeView(n))
	}

	if !children {
		return result, nil
	}
	kids, err := e.Children(ctx, p.Handle())
	if err != nil {
		return result, err
	}
	for _, c := range kids {
		child, err := inspect(ctx, e, c, true)
		if err != nil {
			return result, err
		}
		result.Children = append(result.Children, child)
	}
	return result, nil
}

func instanceView(p *instance.ProcessInstance) InstanceView {
	v := InstanceView{
		Handle: p.Handle().String(),
		UUID:   p.UUID(),
		Model:  p.ModelRef(),
		Owner:  p.Owner(),
		State:  string(p.State()),
	}
	if parent := p.ParentActivity(); parent.Valid() {
		v.Parent = parent.String()
	}
	if res := p.Results(); len(res) > 0 {
		v.Results = rawJSON(res)
	}
	return v
}

func nodeView(n *instance.NodeInstance) NodeView {
	v := NodeView{
		Handle:   n.Handle().String(),
		Node:     n.Node(),
		Entry:    n.EntryNo(),
		State:    string(n.State()),
		Attempts: n.Attempts(),
	}
	if at := n.RetryAt(); !at.IsZero() && n.State() == instance.FailRetry {
		v.RetryAt = at.UTC().Format(time.RFC3339)
	}
	if f, ok := n.Failure(); ok {
		v.Failure = f.String()
	}
	if c, ok := n.Composite(); ok && c.Child.Valid() {
		v.Child = c.Child.String()
	}
	if res := n.Results(); len(res) > 0 {
		v.Results = rawJSON(res)
	}
	return v
}

func rawJSON(obj ir.Object) json.RawMessage {
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil
	}
	return data
}

func writeInspect(w io.Writer, r InspectResult, depth int) {
	indent := strings.Repeat("  ", depth)
	inst := r.Instance
	fmt.Fprintf(w, "%sInstance %s  %s  %s  owner=%s\n", indent, inst.Handle, inst.Model, inst.State, inst.Owner)
	fmt.Fprintf(w, "%s  uuid: %s\n", indent, inst.UUID)
	if inst.Parent != "" {
		fmt.Fprintf(w, "%s  parent: %s\n", indent, inst.Parent)
	}
	if len(inst.Results) > 0 {
		fmt.Fprintf(w, "%s  results: %s\n", indent, inst.Results)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s  HANDLE\tNODE\tENTRY\tSTATE\tATTEMPTS\tDETAIL\n", indent)
	for _, n := range r.Nodes {
		fmt.Fprintf(tw, "%s  %s\t%s\t%d\t%s\t%d\t%s\n", indent, n.Handle, n.Node, n.Entry, n.State, n.Attempts, detail(n))
	}
	_ = tw.Flush()

	for _, c := range r.Children {
		fmt.Fprintln(w)
		writeInspect(w, c, depth+1)
	}
}

func detail(n NodeView) string {
	var parts []string
	if n.Failure != "" {
		parts = append(parts, n.Failure)
	}
	if n.RetryAt != "" {
		parts = append(parts, "retry at "+n.RetryAt)
	}
	if n.Child != "" {
		parts = append(parts, "child "+n.Child)
	}
	if len(n.Results) > 0 {
		parts = append(parts, string(n.Results))
	}
	return strings.Join(parts, "  ")
}

// errorCode maps engine errors to their runtime code for CLI responses.
func errorCode(err error) string {
	var rerr *engine.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return ErrCodeGeneric
}
