package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
)

// OperationResult reports the effect of one engine operation.
type OperationResult struct {
	Operation  string       `json:"operation"`
	Node       *NodeView    `json:"node,omitempty"`
	Instance   InstanceView `json:"instance"`
	Dispatched []string     `json:"dispatched,omitempty"`
	Cancelled  []string     `json:"cancelled,omitempty"`
}

// nodeCommand describes one node operation subcommand.
type nodeCommand struct {
	use   string
	short string
	long  string
	typ   engine.EventType
	flags func(cmd *cobra.Command, ev *eventFlags)
}

// eventFlags collects the per-operation flags that end up in an Event.
type eventFlags struct {
	Results   string
	Code      string
	Cause     string
	Retryable bool
}

var nodeCommands = []nodeCommand{
	{
		use:   "deliver",
		short: "Complete an activity with results",
		long: `Complete a dispatched activity with the results its endpoint produced,
then walk its successors. Delivering to a complete node changes nothing.`,
		typ: engine.EventDeliver,
		flags: func(cmd *cobra.Command, ev *eventFlags) {
			cmd.Flags().StringVar(&ev.Results, "results", "{}", "results as a JSON object")
		},
	},
	{
		use:   "ack",
		short: "Mark a sent activity acknowledged",
		long:  `Record that the endpoint accepted a sent activity and is working on it.`,
		typ:   engine.EventAcknowledge,
	},
	{
		use:   "fail",
		short: "Record an activity failure",
		long: `Record a failure reported for an activity. With --retryable the node
becomes due for automatic retry; otherwise it waits for an operator.`,
		typ: engine.EventFail,
		flags: func(cmd *cobra.Command, ev *eventFlags) {
			cmd.Flags().StringVar(&ev.Code, "code", string(engine.ErrCodeOperatorFailed), "failure code")
			cmd.Flags().StringVar(&ev.Cause, "cause", "", "failure message (required)")
			cmd.Flags().BoolVar(&ev.Retryable, "retryable", false, "schedule an automatic retry")
			_ = cmd.MarkFlagRequired("cause")
		},
	},
	{
		use:   "retry",
		short: "Re-run a failed node",
		long:  `Re-run a node in failed or fail_retry state. Activities are dispatched again.`,
		typ:   engine.EventRetry,
	},
	{
		use:   "skip",
		short: "Skip a stuck node",
		long:  `Mark a pending or failed node skipped. Its successors are not activated.`,
		typ:   engine.EventSkip,
	},
	{
		use:   "cancel-node",
		short: "Cancel one node instance",
		long:  `Cancel a live node instance. A sent activity is cancelled at its endpoint.`,
		typ:   engine.EventCancelNode,
	},
}

// NewNodeCommands creates the commands that operate on one node instance.
func NewNodeCommands(rootOpts *RootOptions) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(nodeCommands))
	for _, nc := range nodeCommands {
		ev := &eventFlags{}
		cmd := &cobra.Command{
			Use:           nc.use + " <node-handle>",
			Short:         nc.short,
			Long:          nc.long,
			Args:          cobra.ExactArgs(1),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runNodeCommand(rootOpts, nc, ev, args[0], cmd)
			},
		}
		if nc.flags != nil {
			nc.flags(cmd, ev)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func runNodeCommand(opts *RootOptions, nc nodeCommand, flags *eventFlags, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	h, err := engine.ParseNodeHandle(ref)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "invalid node handle", err)
	}
	ev := engine.Event{Type: nc.typ, Node: h}
	switch nc.typ {
	case engine.EventDeliver:
		results, err := ir.ParseObject([]byte(flags.Results))
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInput, "invalid results JSON", err)
		}
		ev.Results = results
	case engine.EventFail:
		ev.Cause = instance.Failure{Code: flags.Code, Message: flags.Cause}
		ev.Retryable = flags.Retryable
	}

	return applyEvent(opts, formatter, cmd, ev)
}

// NewCancelCommand creates the command cancelling a whole instance.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance>",
		Short: "Cancel a process instance",
		Long: `Cancel every live node of a process instance and of the instances its
composite nodes spawned. The instance is named by handle or uuid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			rt, err := rootOpts.openRuntime()
			if err != nil {
				return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
			}
			defer rt.Close()

			p, err := findInstance(commandContext(cmd), rt.engine, args[0])
			if err != nil {
				return formatter.Fail(ExitCommandError, errorCode(err), "failed to load instance "+args[0], err)
			}
			ev := engine.Event{Type: engine.EventCancelInstance, Instance: p.Handle()}
			return applyEventWith(rt, rootOpts, formatter, cmd, ev)
		},
	}
}

func applyEvent(opts *RootOptions, formatter *OutputFormatter, cmd *cobra.Command, ev engine.Event) error {
	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()
	return applyEventWith(rt, opts, formatter, cmd, ev)
}

// applyEventWith runs ev through a single-worker runner and reports the
// resulting node and instance state.
func applyEventWith(rt *runtime, opts *RootOptions, formatter *OutputFormatter, cmd *cobra.Command, ev engine.Event) error {
	ctx := commandContext(cmd)
	op := ev.Type.String()

	if err := engine.NewRunner(rt.engine, 1).Apply(ctx, ev); err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), op+" failed", err)
	}

	result := OperationResult{Operation: op}
	ph := ev.Instance
	if ev.Type != engine.EventCancelInstance {
		n, err := rt.engine.Node(ctx, ev.Node)
		if err != nil {
			return formatter.Fail(ExitCommandError, errorCode(err), "failed to reload node", err)
		}
		view := nodeView(n)
		result.Node = &view
		ph = n.Instance()
	}
	p, err := rt.engine.Instance(ctx, ph)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "failed to reload instance", err)
	}
	result.Instance = instanceView(p)
	for _, msg := range rt.log.Messages() {
		result.Dispatched = append(result.Dispatched, describeMessage(msg))
	}
	for _, msg := range rt.log.Cancelled() {
		result.Cancelled = append(result.Cancelled, describeMessage(msg))
	}
	opts.log().Debug("operation applied", "op", op, "instance", p.UUID())

	if formatter.JSON() {
		return formatter.Success(result)
	}
	w := formatter.Writer
	if result.Node != nil {
		fmt.Fprintf(w, "✓ %s %s: %s#%d is %s\n", op, result.Node.Handle, result.Node.Node, result.Node.Entry, result.Node.State)
		if result.Node.Failure != "" {
			fmt.Fprintf(w, "  failure: %s\n", result.Node.Failure)
		}
	} else {
		fmt.Fprintf(w, "✓ %s %s\n", op, result.Instance.Handle)
	}
	fmt.Fprintf(w, "  instance %s %s is %s\n", result.Instance.Handle, result.Instance.Model, result.Instance.State)
	for _, d := range result.Dispatched {
		fmt.Fprintf(w, "  sent %s\n", d)
	}
	for _, d := range result.Cancelled {
		fmt.Fprintf(w, "  cancelled %s\n", d)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
