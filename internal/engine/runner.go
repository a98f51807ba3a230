package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultRunnerWorkers is the worker count used when NewRunner gets a
// non-positive value.
const DefaultRunnerWorkers = 4

// Runner applies queued events to an Engine from a pool of workers.
// Events for different instances run concurrently; the store's conflict
// handling keeps concurrent events on the same instance correct.
type Runner struct {
	engine  *Engine
	workers int
	queue   *eventQueue
}

// NewRunner creates a runner with the given number of workers.
func NewRunner(e *Engine, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultRunnerWorkers
	}
	return &Runner{engine: e, workers: workers, queue: newEventQueue()}
}

// Enqueue schedules ev. Returns false once the runner is stopped.
func (r *Runner) Enqueue(ev Event) bool {
	return r.queue.Enqueue(ev)
}

// Pending returns the number of events not yet picked up.
func (r *Runner) Pending() int {
	return r.queue.Len()
}

// Stop closes the queue. Run returns after the queued events are applied.
func (r *Runner) Stop() {
	r.queue.Close()
}

// Run applies events until Stop has been called and the queue is empty,
// or ctx ends. A failing event is logged and does not stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error { return r.work(gctx) })
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context) error {
	for {
		if ev, ok := r.queue.TryDequeue(); ok {
			if err := r.Apply(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.engine.logger.Warn("event failed",
					"type", ev.Type,
					"node", ev.Node,
					"instance", ev.Instance,
					"error", err,
				)
			}
			continue
		}
		if r.queue.Drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.queue.Wait():
		}
	}
}

// Apply runs one event against the engine synchronously.
func (r *Runner) Apply(ctx context.Context, ev Event) error {
	e := r.engine
	switch ev.Type {
	case EventAdvance:
		return e.Advance(ctx, ev.Node)
	case EventDeliver:
		return e.Deliver(ctx, ev.Node, ev.Results)
	case EventAcknowledge:
		return e.Acknowledge(ctx, ev.Node)
	case EventFail:
		return e.Fail(ctx, ev.Node, ev.Cause, ev.Retryable)
	case EventRetry:
		return e.Retry(ctx, ev.Node)
	case EventSkip:
		return e.Skip(ctx, ev.Node)
	case EventCancelNode:
		return e.CancelNode(ctx, ev.Node)
	case EventCancelInstance:
		return e.CancelInstance(ctx, ev.Instance)
	default:
		return fmt.Errorf("unknown event type %s", ev.Type)
	}
}
