package fulfillment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
)

// PollerConfig tunes reconciliation.
type PollerConfig struct {
	Interval    time.Duration
	Partitions  int
	Concurrency int
	// RPS limits provider status queries per second; zero is unlimited.
	RPS   float64
	Burst int
}

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	Orders       int `json:"orders"`
	Redispatched int `json:"redispatched"`
	Checked      int `json:"checked"`
	Resolved     int `json:"resolved"`
	Errors       int `json:"errors"`
}

// Poller finishes items whose completion callback never arrived.
type Poller struct {
	svc     *Service
	cfg     PollerConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewPoller creates a Poller for svc.
func NewPoller(svc *Service, cfg PollerConfig, log *slog.Logger) *Poller {
	if svc == nil {
		panic("nil service")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.With("component", "poller"),
	}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", "interval", p.cfg.Interval, "partitions", p.cfg.Partitions)
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return ctx.Err()
		case <-t.C:
			rep := p.Tick(ctx)
			if rep.Checked > 0 || rep.Redispatched > 0 || rep.Errors > 0 {
				p.log.Info("tick", "orders", rep.Orders, "redispatched", rep.Redispatched,
					"checked", rep.Checked, "resolved", rep.Resolved, "errors", rep.Errors)
			}
		}
	}
}

type tickCounters struct {
	redispatched, checked, resolved, errors atomic.Int64
}

// Tick runs one reconciliation pass over recently active orders.
// Errors are counted and logged; none stops the pass.
func (p *Poller) Tick(ctx context.Context) TickReport {
	orders, err := p.svc.store.ListRecentlyActive(ctx, p.cfg.Partitions)
	if err != nil {
		p.log.Error("list orders", "error", err)
		return TickReport{Errors: 1}
	}

	var (
		c tickCounters
		g errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)

	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		o := o
		if o.Payment.Status == model.PaymentPaid && o.Generation.Status == model.GenerationWaitingPayment {
			g.Go(func() error {
				if err := p.svc.Dispatch(ctx, o.OrderID); err != nil {
					c.errors.Add(1)
					p.log.Error("redispatch", "order_id", o.OrderID, "error", err)
					return nil
				}
				c.redispatched.Add(1)
				return nil
			})
			continue
		}
		if o.Generation.Status != model.GenerationInProgress {
			continue
		}
		for i, it := range o.Generation.Items {
			if it.Status.Terminal() || it.JobHandle == "" {
				continue
			}
			i, handle := i, it.JobHandle
			g.Go(func() error {
				p.check(ctx, o.OrderID, i, handle, &c)
				return nil
			})
		}
	}
	_ = g.Wait()

	return TickReport{
		Orders:       len(orders),
		Redispatched: int(c.redispatched.Load()),
		Checked:      int(c.checked.Load()),
		Resolved:     int(c.resolved.Load()),
		Errors:       int(c.errors.Load()),
	}
}

func (p *Poller) check(ctx context.Context, orderID string, index int, handle string, c *tickCounters) {
	log := p.log.With("order_id", orderID, "item_index", index, "job_handle", handle)
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	c.checked.Add(1)

	outcome, err := p.remoteOutcome(ctx, handle)
	if err != nil {
		c.errors.Add(1)
		if apperr.IsTransient(err) || ctx.Err() != nil {
			log.Warn("status check failed, retrying next tick", "error", err, "kind", apperr.Kind(err))
			return
		}
		log.Warn("status check rejected, failing item", "error", err)
		outcome = generation.Outcome{State: generation.StateFailed, Error: err.Error()}
	}
	if !outcome.State.Terminal() {
		return
	}

	err = p.svc.Complete(ctx, Completion{
		OrderID:   orderID,
		ItemIndex: index,
		State:     outcome.State,
		ResultRef: outcome.ResultRef,
		Error:     outcome.Error,
		Source:    "poll",
	})
	if err != nil {
		c.errors.Add(1)
		log.Error("complete item", "error", err)
		return
	}
	c.resolved.Add(1)
}

func (p *Poller) remoteOutcome(ctx context.Context, handle string) (generation.Outcome, error) {
	st, err := p.svc.gen.Status(ctx, handle)
	if err != nil {
		return generation.Outcome{}, err
	}
	if !st.Done() {
		return generation.Outcome{State: generation.StateRunning}, nil
	}
	return p.svc.gen.Result(ctx, handle)
}
