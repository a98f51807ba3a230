package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/procflow/internal/engine"
)

// PollResult reports one retry pass.
type PollResult struct {
	Retried    int      `json:"retried"`
	Dispatched []string `json:"dispatched,omitempty"`
	Errors     string   `json:"errors,omitempty"`
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Retry every node whose retry time has passed",
		Long: `Run one pass of the retry poller: every fail_retry node whose retry time
is due is dispatched again. "procflow run" does this on a schedule.

Exit codes:
  0 - All due retries were applied
  1 - One or more retries failed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(rootOpts, cmd)
		},
	}
}

func runPoll(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()

	poller := engine.NewPoller(rt.engine, opts.config().Poll.Concurrency)
	retried, pollErr := poller.Poll(commandContext(cmd))

	result := PollResult{Retried: retried}
	for _, msg := range rt.log.Messages() {
		result.Dispatched = append(result.Dispatched, describeMessage(msg))
	}
	if pollErr != nil {
		result.Errors = pollErr.Error()
	}

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "Retried %d node(s)\n", retried)
		for _, d := range result.Dispatched {
			fmt.Fprintf(formatter.Writer, "  sent %s\n", d)
		}
		if pollErr != nil {
			fmt.Fprintf(formatter.Writer, "✗ %v\n", pollErr)
		}
	}
	if pollErr != nil {
		return WrapExitError(ExitFailure, "poll failed", pollErr)
	}
	return nil
}
