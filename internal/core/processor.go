package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/fetch"
	"github.com/joseph-ayodele/contract-tables/internal/ratelimit"
)

// Processor fetches one work item's PDF and runs it through a chain of
// backends until one of them yields tables.
type Processor struct {
	logger      *slog.Logger
	fetcher     fetch.Fetcher
	backends    []extract.Backend
	limiter     ratelimit.Limiter
	maxAttempts int
	retryDelay  time.Duration
}

type ProcessorOption func(*Processor)

// WithLimiter gates every backend call on l.
func WithLimiter(l ratelimit.Limiter) ProcessorOption {
	return func(p *Processor) { p.limiter = l }
}

// WithRetries sets how many times a retryable backend error is retried
// against the same bytes, and the backoff base between tries.
func WithRetries(maxAttempts int, delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

func NewProcessor(logger *slog.Logger, fetcher fetch.Fetcher, backends []extract.Backend, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger:      logger,
		fetcher:     fetcher,
		backends:    backends,
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Backends returns the configured chain names in order.
func (p *Processor) Backends() []string {
	names := make([]string, len(p.backends))
	for i, b := range p.backends {
		names[i] = b.Name()
	}
	return names
}

// Process never returns an error: failures are encoded in the outcome so the
// caller can always record a terminal status.
func (p *Processor) Process(ctx context.Context, item *entity.WorkItem) entity.Outcome {
	logger := common.LoggerWithContext(ctx, p.logger).With("item_id", item.ID)
	start := time.Now()
	var notes []string

	data, err := p.fetcher.Fetch(ctx, item.SourceLocator)
	if err != nil {
		if item.StorageURI() == "" {
			logger.Warn("processor.fetch.failed", "locator", item.SourceLocator, "error", err)
			return entity.Outcome{Status: constants.StatusFailed, Error: err.Error()}
		}
		logger.Warn("processor.fetch.failed_using_storage", "storage_uri", item.StorageURI(), "error", err)
		notes = append(notes, fmt.Sprintf("fetch failed, using storage uri only: %v", err))
	}
	doc := extract.Document{
		ItemID:     item.ID,
		Locator:    item.SourceLocator,
		StorageURI: item.StorageURI(),
		Bytes:      data,
	}

	var (
		lastErr error
		empty   *extract.Normalized
		emptyBy string
	)
	for _, b := range p.backends {
		res, err := p.extractWithRetry(ctx, logger, b, doc)
		if err != nil {
			lastErr = err
			notes = append(notes, fmt.Sprintf("%s: %v", b.Name(), err))
			if common.IsTerminal(err) || ctx.Err() != nil {
				logger.Error("processor.chain.stopped", "backend", b.Name(), "error", err)
				break
			}
			logger.Warn("processor.backend.failed", "backend", b.Name(), "error", err)
			continue
		}

		norm, err := extract.Normalize(res, logger)
		if err != nil {
			lastErr = err
			notes = append(notes, fmt.Sprintf("%s: %v", b.Name(), err))
			continue
		}
		notes = append(notes, norm.Notes...)
		if len(norm.Tables) == 0 {
			logger.Info("processor.backend.no_tables", "backend", b.Name())
			if empty == nil {
				empty, emptyBy = &norm, b.Name()
			}
			continue
		}

		logger.Info("processor.ok",
			"backend", b.Name(),
			"tables", len(norm.Tables),
			"rows", entity.RowCount(norm.Tables),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return entity.Outcome{
			Status:    constants.StatusSuccess,
			Tables:    norm.Tables,
			RawOutput: norm.Raw,
			Backend:   b.Name(),
			Notes:     notes,
		}
	}

	if empty != nil {
		notes = append(notes, common.NewValidationError("no tables found").Error())
		logger.Info("processor.ok_empty", "backend", emptyBy, "elapsed_ms", time.Since(start).Milliseconds())
		return entity.Outcome{
			Status:    constants.StatusSuccess,
			Tables:    []entity.NormalizedTable{},
			RawOutput: empty.Raw,
			Backend:   emptyBy,
			Notes:     notes,
		}
	}
	if lastErr == nil {
		lastErr = common.NewAppError(common.CodeConfig, "no backends configured", nil)
	}
	logger.Error("processor.failed", "error", lastErr, "elapsed_ms", time.Since(start).Milliseconds())
	return entity.Outcome{Status: constants.StatusFailed, Error: lastErr.Error(), Notes: notes}
}

func (p *Processor) extractWithRetry(ctx context.Context, logger *slog.Logger, b extract.Backend, doc extract.Document) (extract.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		res, err := b.Extract(ctx, doc)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if common.IsTerminal(err) || !common.IsRetryable(err) || attempt == p.maxAttempts-1 {
			break
		}
		wait := common.Backoff(p.retryDelay, attempt)
		logger.Warn("processor.backend.retry", "backend", b.Name(), "attempt", attempt+1, "wait_ms", wait.Milliseconds(), "error", err)
		if err := common.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
