package async

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

// ItemProcessor turns a claimed item into its terminal outcome.
type ItemProcessor interface {
	Process(ctx context.Context, item *entity.WorkItem) entity.Outcome
}

// Summary reports one pool run.
type Summary struct {
	Processed int                          `json:"processed"`
	Succeeded int                          `json:"succeeded"`
	Failed    int                          `json:"failed"`
	Counts    map[constants.ItemStatus]int `json:"count_by_status"`
	Duration  time.Duration                `json:"duration"`
}

// Pool runs N workers that claim items from the ledger until it is drained,
// the budget is spent or the context is cancelled.
type Pool struct {
	repo    repository.WorkItemRepository
	proc    ItemProcessor
	logger  *slog.Logger
	workers int
	delay   time.Duration
	budget  int64
	timeout time.Duration
	filter  repository.Filter
	onState func(running bool)

	claimRetries int
	claimDelay   time.Duration

	remaining atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithItemDelay sets the pause each worker takes between items.
func WithItemDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.delay = d
		}
	}
}

// WithBudget caps the total number of items processed across workers. 0 means no cap.
func WithBudget(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.budget = int64(n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFilter restricts which items workers may claim. The default claims
// pending items only; a filter with no statuses claims pending and failed.
func WithFilter(f repository.Filter) Option {
	return func(p *Pool) { p.filter = f }
}

// WithClaimRetry sets how many consecutive ClaimNext errors a worker
// tolerates, backing off from base, before it stops.
func WithClaimRetry(retries int, base time.Duration) Option {
	return func(p *Pool) {
		if retries >= 0 {
			p.claimRetries = retries
		}
		if base > 0 {
			p.claimDelay = base
		}
	}
}

// WithStateHook is called with true when Run starts and false when it returns.
func WithStateHook(fn func(running bool)) Option {
	return func(p *Pool) { p.onState = fn }
}

func NewPool(repo repository.WorkItemRepository, proc ItemProcessor, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		repo:    repo,
		proc:    proc,
		logger:  logger,
		workers: 10,
		delay:   400 * time.Millisecond,
		timeout: 5 * time.Minute,
		filter:  repository.Filter{Statuses: []constants.ItemStatus{constants.StatusPending}},

		claimRetries: 5,
		claimDelay:   200 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run blocks until every worker has stopped. Cancelling ctx is a clean stop:
// items already claimed are finished and recorded first.
func (p *Pool) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	p.remaining.Store(p.budget)
	p.processed.Store(0)
	p.succeeded.Store(0)
	p.failed.Store(0)
	if p.onState != nil {
		p.onState(true)
		defer p.onState(false)
	}

	p.logger.Info("pool.start", "workers", p.workers, "budget", p.budget, "delay", p.delay, "timeout", p.timeout)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("w%02d-%s", i+1, uuid.NewString()[:8])
		g.Go(func() error { return p.work(gctx, workerID) })
	}
	runErr := g.Wait()

	summary := Summary{
		Processed: int(p.processed.Load()),
		Succeeded: int(p.succeeded.Load()),
		Failed:    int(p.failed.Load()),
		Duration:  time.Since(start),
	}
	counts, err := p.repo.CountByStatus(context.WithoutCancel(ctx))
	if err != nil {
		p.logger.Error("pool.count_failed", "error", err)
	}
	summary.Counts = counts

	p.logger.Info("pool.done",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed_ms", summary.Duration.Milliseconds(),
		"error", runErr,
	)
	return summary, runErr
}

// work never fails the group: a ledger error costs at most this worker or
// this item, never the other workers.
func (p *Pool) work(ctx context.Context, workerID string) error {
	ctx = common.WithWorkerID(ctx, workerID)
	logger := common.LoggerWithContext(ctx, p.logger)
	logger.Info("worker.started")
	defer logger.Info("worker.stopped")

	claimErrs := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !p.take() {
			logger.Info("worker.budget_spent")
			return nil
		}
		item, err := p.repo.ClaimNext(ctx, p.filter, workerID)
		if err != nil {
			p.refund()
			if ctx.Err() != nil {
				return nil
			}
			if claimErrs >= p.claimRetries {
				logger.Error("worker.claim.gave_up", "error", err, "attempts", claimErrs+1)
				return nil
			}
			wait := common.Backoff(p.claimDelay, claimErrs)
			claimErrs++
			logger.Warn("worker.claim.failed", "error", err, "attempt", claimErrs, "wait", wait)
			if common.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		claimErrs = 0
		if item == nil {
			p.refund()
			logger.Info("worker.no_work")
			return nil
		}

		out := p.processOne(ctx, logger, item)
		// record even when ctx is cancelled so the item never stays in_progress
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err = p.repo.RecordResult(rctx, item.ID, workerID, out)
		cancel()

		p.processed.Add(1)
		switch {
		case err != nil:
			p.failed.Add(1)
			logger.Error("worker.record.failed", "item_id", item.ID, "status", out.Status, "error", err)
		case out.Status == constants.StatusSuccess:
			p.succeeded.Add(1)
			logger.Info("worker.item_done", "item_id", item.ID, "status", out.Status, "tables", len(out.Tables), "attempt", item.AttemptCount)
		default:
			p.failed.Add(1)
			logger.Info("worker.item_done", "item_id", item.ID, "status", out.Status, "tables", len(out.Tables), "attempt", item.AttemptCount)
		}

		if err := common.Sleep(ctx, p.delay); err != nil {
			return nil
		}
	}
}

func (p *Pool) processOne(ctx context.Context, logger *slog.Logger, item *entity.WorkItem) (out entity.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker.panic", "item_id", item.ID, "panic", r, "stack", string(debug.Stack()))
			out = entity.Outcome{Status: constants.StatusFailed, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	ictx, cancel := context.WithTimeout(common.WithItemID(ctx, item.ID), p.timeout)
	defer cancel()
	out = p.proc.Process(ictx, item)
	if !out.Status.Terminal() {
		out = entity.Outcome{Status: constants.StatusFailed, Error: fmt.Sprintf("processor returned non-terminal status %q", out.Status)}
	}
	return out
}

// take reserves one unit of budget.
func (p *Pool) take() bool {
	if p.budget <= 0 {
		return true
	}
	return p.remaining.Add(-1) >= 0
}

func (p *Pool) refund() {
	if p.budget > 0 {
		p.remaining.Add(1)
	}
}
