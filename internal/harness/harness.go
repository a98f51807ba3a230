package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/procflow/internal/backoff"
	"github.com/roach88/procflow/internal/compiler"
	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/engine"
	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/testutil"
)

// DefaultOwner starts scenario instances that name no owner.
const DefaultOwner = "scenario"

// Harness runs one scenario against a real engine.
type Harness struct {
	engine *engine.Engine
	poller *engine.Poller
	disp   *testutil.Dispatcher
	clock  *testutil.ManualClock
	logger *slog.Logger
	root   ir.Handle[instance.ProcessInstance]
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh in-memory store with a manual clock,
// sequential instance uuids and a dispatcher answering from the scenario's
// script, so repeated runs produce identical traces.
//
// Execution flow:
// 1. Compile the scenario's models
// 2. Start the instance
// 3. Execute the steps
// 4. Build the trace and evaluate the assertions
//
// The returned error reports a scenario that could not be executed; failed
// assertions are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	models, err := loadModels(scenario.Models)
	if err != nil {
		return nil, err
	}

	st := store.NewMemory()
	defer st.Close()

	h, err := newHarness(scenario, st, models)
	if err != nil {
		return nil, err
	}

	input, err := toObject(scenario.Input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	owner := scenario.Owner
	if owner == "" {
		owner = DefaultOwner
	}
	p, err := h.engine.Start(ctx, scenario.Model, owner, input)
	if p == nil {
		return nil, fmt.Errorf("failed to start %s: %w", scenario.Model, err)
	}
	if err != nil {
		h.logger.Warn("start returned an error", "model", scenario.Model, "error", err)
	}
	h.root = p.Handle()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	if err := h.trace(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to build trace: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, st store.Store, models *model.Registry) (*Harness, error) {
	disp := testutil.NewDispatcher()
	for node, replies := range s.Dispatch {
		for i, r := range replies {
			reply, err := toReply(r)
			if err != nil {
				return nil, fmt.Errorf("dispatch.%s[%d]: %w", node, i, err)
			}
			disp.Script(node, reply)
		}
	}

	interval := time.Minute
	if s.RetryInterval != "" {
		d, err := time.ParseDuration(s.RetryInterval)
		if err != nil {
			return nil, fmt.Errorf("retry_interval: %w", err)
		}
		interval = d
	}

	clock := testutil.NewManualClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := []engine.Option{
		engine.WithDispatcher(disp),
		engine.WithAuthorizer(denyList(s.Deny)),
		engine.WithClock(clock),
		engine.WithUUIDGenerator(testutil.NewSequenceGenerator(s.Name)),
		engine.WithLogger(logger),
		engine.WithRetryBackoff(backoff.Constant{Interval: interval}),
		engine.WithConflictBackoff(backoff.Constant{Interval: time.Millisecond}),
	}
	if s.MaxAttempts > 0 {
		opts = append(opts, engine.WithMaxDispatchAttempts(s.MaxAttempts))
	}

	eng := engine.New(st, models, opts...)
	return &Harness{
		engine: eng,
		poller: engine.NewPoller(eng, 1),
		disp:   disp,
		clock:  clock,
		logger: logger,
	}, nil
}

// loadModels compiles every model file into one registry.
func loadModels(paths []string) (*model.Registry, error) {
	reg, err := model.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read model file: %w", err)
		}
		models, err := compiler.CompileString(string(src), path)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", path, err)
		}
		for _, m := range models {
			if err := reg.Register(m); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return reg, nil
}

func denyList(endpoints []string) engine.Authorizer {
	if len(endpoints) == 0 {
		return engine.AllowAll
	}
	return engine.AuthorizerFunc(func(_ context.Context, req engine.AuthRequest) (bool, error) {
		return !slices.Contains(endpoints, req.Endpoint), nil
	})
}

func toReply(r ReplySpec) (dispatch.Reply, error) {
	switch dispatch.Status(r.Status) {
	case dispatch.StatusSent:
		return dispatch.Sent(), nil
	case dispatch.StatusAcknowledged:
		results, err := toObject(r.Results)
		if err != nil {
			return dispatch.Reply{}, err
		}
		return dispatch.Acknowledged(results), nil
	case dispatch.StatusFailed:
		return dispatch.Failed(errors.New(r.Error)), nil
	}
	return dispatch.Reply{}, fmt.Errorf("unknown status %q", r.Status)
}

// toObject converts YAML-decoded values. A nil map stays nil.
func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return nil, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}

// execute runs one step and checks its error against ExpectError.
func (h *Harness) execute(ctx context.Context, step Step) error {
	action, err := step.action()
	if err != nil {
		return err
	}
	err = h.apply(ctx, action, step)

	if step.ExpectError == "" {
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		return nil
	}
	var re *engine.RuntimeError
	if err == nil {
		return fmt.Errorf("%s: expected error %s, got none", action, step.ExpectError)
	}
	if !errors.As(err, &re) || string(re.Code) != step.ExpectError {
		return fmt.Errorf("%s: expected error %s, got %w", action, step.ExpectError, err)
	}
	h.logger.Info("step failed as expected", "action", action, "code", re.Code)
	return nil
}

func (h *Harness) apply(ctx context.Context, action string, step Step) error {
	switch action {
	case "clock":
		d, err := time.ParseDuration(step.Clock)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case "poll":
		_, err := h.poller.Poll(ctx)
		return err
	case "cancel":
		return h.engine.CancelInstance(ctx, h.root)
	}

	var ref string
	switch action {
	case "deliver":
		ref = step.Deliver
	case "acknowledge":
		ref = step.Acknowledge
	case "fail":
		ref = step.Fail
	case "retry":
		ref = step.Retry
	case "skip":
		ref = step.Skip
	case "cancel_node":
		ref = step.CancelNode
	}
	n, err := h.resolve(ctx, ref)
	if err != nil {
		return err
	}

	switch action {
	case "deliver":
		results, err := toObject(step.Results)
		if err != nil {
			return fmt.Errorf("results: %w", err)
		}
		return h.engine.Deliver(ctx, n.Handle(), results)
	case "acknowledge":
		return h.engine.Acknowledge(ctx, n.Handle())
	case "fail":
		cause := instance.Failure{Code: step.Code, Message: step.Message}
		return h.engine.Fail(ctx, n.Handle(), cause, step.Retryable)
	case "retry":
		return h.engine.Retry(ctx, n.Handle())
	case "skip":
		return h.engine.Skip(ctx, n.Handle())
	case "cancel_node":
		return h.engine.CancelNode(ctx, n.Handle())
	}
	return fmt.Errorf("unknown action %q", action)
}

// resolve finds the node instance a reference names. See Step for the
// reference syntax.
func (h *Harness) resolve(ctx context.Context, ref string) (*instance.NodeInstance, error) {
	path, entry, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(path, model.RefSeparator)

	p := h.root
	for _, composite := range parts[:len(parts)-1] {
		n, err := h.find(ctx, p, composite, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		payload, ok := n.Composite()
		if !ok || !payload.Child.Valid() {
			return nil, fmt.Errorf("%s: %s has no child instance", ref, composite)
		}
		p = payload.Child
	}
	n, err := h.find(ctx, p, parts[len(parts)-1], entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return n, nil
}

// find returns occurrence entry of node in p, or the latest one when entry
// is zero.
func (h *Harness) find(ctx context.Context, p ir.Handle[instance.ProcessInstance], node string, entry int) (*instance.NodeInstance, error) {
	nodes, err := h.engine.Nodes(ctx, p)
	if err != nil {
		return nil, err
	}
	var found *instance.NodeInstance
	for _, n := range nodes {
		if n.Node() != node {
			continue
		}
		if entry == 0 && (found == nil || n.EntryNo() > found.EntryNo()) {
			found = n
		}
		if entry != 0 && n.EntryNo() == entry {
			return n, nil
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no instance of node %q", node)
	}
	return found, nil
}

// splitRef splits "path#entry" into its parts.
func splitRef(ref string) (string, int, error) {
	path, num, ok := strings.Cut(ref, "#")
	if path == "" {
		return "", 0, fmt.Errorf("empty node reference")
	}
	if !ok {
		return path, 0, nil
	}
	entry, err := strconv.Atoi(num)
	if err != nil || entry < 1 {
		return "", 0, fmt.Errorf("invalid entry number in %q", ref)
	}
	return path, entry, nil
}

// trace records dispatches, cancels, node instances and the final instance
// state.
func (h *Harness) trace(ctx context.Context, result *Result) error {
	var nodes []TraceEvent
	prefixes := map[string]string{}
	if err := h.walk(ctx, h.root, "", prefixes, &nodes); err != nil {
		return err
	}

	for _, msg := range h.disp.Messages() {
		result.Add(messageEvent(EventDispatch, msg, prefixes))
	}
	for _, msg := range h.disp.Cancelled() {
		result.Add(messageEvent(EventCancel, msg, prefixes))
	}
	for _, ev := range nodes {
		result.Add(ev)
	}

	p, err := h.engine.Instance(ctx, h.root)
	if err != nil {
		return err
	}
	result.Add(TraceEvent{
		Type:    EventInstance,
		State:   string(p.State()),
		Results: p.Results(),
	})
	return nil
}

// walk appends node events for instance p and, depth first, for the child
// instances its composites spawned.
func (h *Harness) walk(ctx context.Context, p ir.Handle[instance.ProcessInstance], prefix string, prefixes map[string]string, out *[]TraceEvent) error {
	pi, err := h.engine.Instance(ctx, p)
	if err != nil {
		return err
	}
	prefixes[pi.UUID()] = prefix

	nodes, err := h.engine.Nodes(ctx, p)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		ev := TraceEvent{
			Type:    EventNode,
			Node:    prefix + n.Node(),
			Entry:   n.EntryNo(),
			State:   string(n.State()),
			Results: n.Results(),
		}
		if f, ok := n.Failure(); ok {
			ev.Failure = f.String()
		}
		*out = append(*out, ev)

		if payload, ok := n.Composite(); ok && payload.Child.Valid() {
			childPrefix := prefix + n.Node() + model.RefSeparator
			if err := h.walk(ctx, payload.Child, childPrefix, prefixes, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func messageEvent(typ string, msg dispatch.Message, prefixes map[string]string) TraceEvent {
	return TraceEvent{
		Type:    typ,
		Node:    prefixes[msg.Instance] + msg.Node,
		Entry:   msg.EntryNo,
		Attempt: msg.Attempt,
		Target:  msg.Target,
	}
}
