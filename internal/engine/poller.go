package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultPollConcurrency bounds the retries a single Poll runs at once.
const DefaultPollConcurrency = 4

// Poller retries fail_retry nodes whose retry time has passed.
type Poller struct {
	engine *Engine
	limit  int
}

// NewPoller creates a poller running at most limit retries concurrently.
// A non-positive limit uses DefaultPollConcurrency.
func NewPoller(e *Engine, limit int) *Poller {
	if limit <= 0 {
		limit = DefaultPollConcurrency
	}
	return &Poller{engine: e, limit: limit}
}

// Poll retries every due node once and reports how many retries were
// applied. Nodes that another worker already moved out of fail_retry are
// skipped silently. Remaining failures are combined into one error.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	due, err := p.engine.DueRetries(ctx, p.engine.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		retried int
		errs    error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, h := range due {
		g.Go(func() error {
			err := p.engine.Retry(gctx, h)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				retried++
			case IsInvalidTransition(err):
				p.engine.logger.Debug("retry raced", "node", h)
			default:
				errs = multierr.Append(errs, fmt.Errorf("retry %s: %w", h, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	p.engine.logger.Debug("poll done", "due", len(due), "retried", retried)
	return retried, errs
}

// Schedule registers Poll on c under a standard five-field cron spec or a
// descriptor such as "@every 30s". Poll errors are logged.
func (p *Poller) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("parse poll schedule %q: %w", spec, err)
	}
	id := c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		n, err := p.Poll(ctx)
		if err != nil {
			p.engine.logger.Error("poll failed", "retried", n, "error", err)
			return
		}
		if n > 0 {
			p.engine.logger.Info("retried nodes", "count", n)
		}
	}))
	return id, nil
}
