package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Events string // JSON lines file of events, "-" for stdin
	Drain  bool   // exit once the event stream is applied
}

// RunResult summarizes a run.
type RunResult struct {
	Events   int64 `json:"events"`
	Rejected int64 `json:"rejected"`
	Retried  int   `json:"retried,omitempty"`
}

// eventLine is the wire form of one event on the --events stream.
type eventLine struct {
	Type      string          `json:"type"`
	Node      string          `json:"node,omitempty"`
	Instance  string          `json:"instance,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine: retry poller and event workers",
		Long: `Run the engine until SIGINT or SIGTERM.

The retry poller fires on the configured cron schedule (poll.schedule,
default "@every 30s"). Events read from --events, one JSON object per line,
are applied by a pool of workers:

  {"type":"deliver","node":"#5","results":{"receipt":"r-1"}}
  {"type":"fail","node":"#5","code":"GATEWAY","message":"timeout","retryable":true}
  {"type":"cancel-instance","instance":"#1"}

With --drain the command exits once the stream is applied, after one final
poll.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Events, "events", "", `JSON lines file of events ("-" for stdin)`)
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "exit after the event stream is applied")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	cfg := opts.config()
	logger := opts.log()

	var events io.Reader
	switch opts.Events {
	case "":
	case "-":
		events = cmd.InOrStdin()
	default:
		f, err := os.Open(opts.Events)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to open events file", err)
		}
		defer f.Close()
		events = f
	}
	if opts.Drain && events == nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "--drain requires --events", nil)
	}

	rt, err := opts.openRuntime()
	if err != nil {
		return formatter.Fail(GetExitCode(err), ErrCodeStore, "failed to open engine", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runner := engine.NewRunner(rt.engine, cfg.Workers)
	poller := engine.NewPoller(rt.engine, cfg.Poll.Concurrency)

	scheduler := cron.New()
	if _, err := poller.Schedule(ctx, scheduler, cfg.Poll.Schedule); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid poll schedule", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	logger.Info("engine started",
		"store", cfg.Store.Backend,
		"path", cfg.Store.Path,
		"workers", cfg.Workers,
		"poll", cfg.Poll.Schedule,
	)
	if !formatter.JSON() && !opts.Drain {
		fmt.Fprintln(formatter.Writer, "Engine started. Press Ctrl-C to stop.")
	}

	var result RunResult
	var accepted, rejected atomic.Int64
	streamDone := make(chan struct{})
	if events != nil {
		go func() {
			defer close(streamDone)
			readEvents(ctx, events, runner, logger, &accepted, &rejected)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		if opts.Drain {
			select {
			case <-streamDone:
			case <-gctx.Done():
			}
		} else {
			<-gctx.Done()
		}
		runner.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "engine error", err)
	}

	if opts.Drain && ctx.Err() == nil {
		retried, err := poller.Poll(ctx)
		if err != nil {
			logger.Warn("final poll failed", "error", err)
		}
		result.Retried = retried
	}

	result.Events = accepted.Load()
	result.Rejected = rejected.Load()
	logger.Info("engine stopped", "events", result.Events, "rejected", result.Rejected)

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Engine stopped: %d event(s) applied, %d rejected\n", result.Events, result.Rejected)
	return nil
}

// readEvents enqueues every well-formed line of r. Malformed lines are
// logged and counted.
func readEvents(ctx context.Context, r io.Reader, runner *engine.Runner, logger *slog.Logger, accepted, rejected *atomic.Int64) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line++
		text := scanner.Bytes()
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		ev, err := ParseEvent(text)
		if err != nil {
			logger.Warn("rejected event", "line", line, "error", err)
			rejected.Add(1)
			continue
		}
		if !runner.Enqueue(ev) {
			return
		}
		accepted.Add(1)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading events", "error", err)
	}
}

// ParseEvent decodes one event line.
func ParseEvent(data []byte) (engine.Event, error) {
	var line eventLine
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&line); err != nil {
		return engine.Event{}, fmt.Errorf("invalid event JSON: %w", err)
	}

	typ, err := engine.ParseEventType(line.Type)
	if err != nil {
		return engine.Event{}, err
	}
	ev := engine.Event{Type: typ}

	if typ == engine.EventCancelInstance {
		if ev.Instance, err = engine.ParseProcessHandle(line.Instance); err != nil {
			return engine.Event{}, fmt.Errorf("instance: %w", err)
		}
		return ev, nil
	}

	if ev.Node, err = engine.ParseNodeHandle(line.Node); err != nil {
		return engine.Event{}, fmt.Errorf("node: %w", err)
	}
	switch typ {
	case engine.EventDeliver:
		if ev.Results, err = ir.ParseObject(line.Results); err != nil {
			return engine.Event{}, fmt.Errorf("results: %w", err)
		}
	case engine.EventFail:
		code := line.Code
		if code == "" {
			code = string(engine.ErrCodeOperatorFailed)
		}
		ev.Cause = instance.Failure{Code: code, Message: line.Message}
		ev.Retryable = line.Retryable
	}
	return ev, nil
}
