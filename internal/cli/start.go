package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/ir"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Input     string
	InputFile string
	Owner     string
}

// StartResult reports a started instance and what it dispatched.
type StartResult struct {
	Instance   InstanceView `json:"instance"`
	Nodes      []NodeView   `json:"nodes"`
	Dispatched []string     `json:"dispatched,omitempty"`
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <model>",
		Short: "Start a process instance",
		Long: `Start an instance of a process model and walk it as far as it goes.

The input object becomes the results of the start node. Activities that
become runnable are dispatched at once; they are journaled and wait for a
deliver, fail or ack command.

Example:
  procflow start invoice --input '{"order":{"id":"o-1","total":42}}' --owner alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "{}", "start input as a JSON object")
	cmd.Flags().StringVar(&opts.InputFile, "input-file", "", "read the start input from a JSON file")
	cmd.Flags().StringVar(&opts.Owner, "owner", defaultOwner(), "principal owning the instance")

	return cmd
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "procflow"
}

func runStart(opts *StartOptions, ref string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	raw := []byte(opts.Input)
	if opts.InputFile != "" {
		data, err := os.ReadFile(opts.InputFile)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to read --input-file", err)
		}
		raw = data
	}
	input, err := ir.ParseObject(raw)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "invalid input JSON", err)
	}

	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()

	p, startErr := rt.engine.Start(ctx, ref, opts.Owner, input)
	if p == nil {
		return formatter.Fail(ExitCommandError, errorCode(startErr), "failed to start "+ref, startErr)
	}

	view, err := inspect(ctx, rt.engine, p, false)
	if err != nil {
		return formatter.Fail(ExitCommandError, errorCode(err), "failed to load nodes", err)
	}
	result := StartResult{Instance: view.Instance, Nodes: view.Nodes}
	for _, msg := range rt.log.Messages() {
		result.Dispatched = append(result.Dispatched, describeMessage(msg))
	}

	if startErr != nil {
		// The instance exists; a dispatch step failed after creation.
		opts.log().Warn("instance started with errors", "instance", p.UUID(), "error", startErr)
	}

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		fmt.Fprintf(w, "✓ Started %s %s (%s)\n", result.Instance.Model, result.Instance.Handle, result.Instance.State)
		fmt.Fprintf(w, "  uuid: %s\n", result.Instance.UUID)
		for _, n := range result.Nodes {
			fmt.Fprintf(w, "  %s %s#%d %s\n", n.Handle, n.Node, n.Entry, n.State)
		}
		for _, d := range result.Dispatched {
			fmt.Fprintf(w, "  sent %s\n", d)
		}
	}
	if startErr != nil {
		return WrapExitError(ExitCommandError, "start completed with errors", startErr)
	}
	return nil
}

func describeMessage(msg dispatch.Message) string {
	target := msg.Target
	if target == "" {
		target = "(no endpoint)"
	}
	return fmt.Sprintf("%s %s#%d to %s, attempt %d", msg.Handle, msg.Node, msg.EntryNo, target, msg.Attempt)
}
