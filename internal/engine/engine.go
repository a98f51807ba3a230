package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/procflow/internal/backoff"
	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/model"
	"github.com/roach88/procflow/internal/store"
)

const (
	// DefaultMaxTxAttempts bounds how often an operation is re-run after a
	// store conflict.
	DefaultMaxTxAttempts = 8

	// DefaultMaxDispatchAttempts is how many failed sends move a node from
	// fail_retry to failed.
	DefaultMaxDispatchAttempts = 5
)

// Engine executes process instances against a transactional store.
//
// Every operation runs as one or more store transactions. The graph walk
// (completing a node, creating or joining successors, completing the
// instance) commits atomically; dispatching activities happens afterwards,
// each send outside any transaction with its outcome recorded in a
// transaction of its own. An operation that hits a store conflict is re-run
// from scratch, so operations are idempotent.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store       store.Store
	models      *model.Registry
	dispatcher  dispatch.Dispatcher
	authorizer  Authorizer
	transformer Transformer
	clock       Clock
	uuids       UUIDGenerator
	telemetry   *Telemetry
	logger      *slog.Logger

	maxTxAttempts       int
	conflictBackoff     backoff.Strategy
	retryBackoff        backoff.Strategy
	maxDispatchAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher sets the outbound message collaborator.
// Default: dispatch.Nop, which reports every send as sent.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithAuthorizer sets the policy consulted before every send.
// Default: AllowAll.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithTransformer sets the define path transformer.
// Default: PathTransformer.
func WithTransformer(t Transformer) Option {
	return func(e *Engine) { e.transformer = t }
}

// WithClock sets the wall clock used for retry scheduling.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithUUIDGenerator sets the process instance uuid source.
// Default: V7UUIDs.
func WithUUIDGenerator(g UUIDGenerator) Option {
	return func(e *Engine) { e.uuids = g }
}

// WithTelemetry sets the tracer and meter instruments.
// Default: DefaultTelemetry (global otel providers).
func WithTelemetry(t *Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxTxAttempts bounds conflict retries per operation.
func WithMaxTxAttempts(n int) Option {
	return func(e *Engine) { e.maxTxAttempts = n }
}

// WithConflictBackoff sets the delay between conflict retries.
func WithConflictBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.conflictBackoff = s }
}

// WithRetryBackoff sets the delay before a failed send becomes due for
// automatic retry.
// Default: backoff.Default().
func WithRetryBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.retryBackoff = s }
}

// WithMaxDispatchAttempts sets how many failed sends are tolerated before a
// node is failed for good.
func WithMaxDispatchAttempts(n int) Option {
	return func(e *Engine) { e.maxDispatchAttempts = n }
}

// New creates an Engine over s resolving model refs through models.
func New(s store.Store, models *model.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:               s,
		models:              models,
		dispatcher:          dispatch.Nop,
		authorizer:          AllowAll,
		transformer:         PathTransformer{},
		clock:               SystemClock{},
		uuids:               V7UUIDs{},
		maxTxAttempts:       DefaultMaxTxAttempts,
		conflictBackoff:     backoff.FullJitter(2*time.Millisecond, 100*time.Millisecond),
		retryBackoff:        backoff.Default(),
		maxDispatchAttempts: DefaultMaxDispatchAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = DefaultTelemetry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxTxAttempts < 1 {
		e.maxTxAttempts = 1
	}
	if e.maxDispatchAttempts < 1 {
		e.maxDispatchAttempts = 1
	}
	return e
}

// Models returns the registry the engine resolves model refs through.
func (e *Engine) Models() *model.Registry {
	return e.models
}
