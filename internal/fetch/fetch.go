package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joseph-ayodele/contract-tables/internal/common"
)

// Fetcher retrieves source documents by locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Config controls download timeouts and retries.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type fetcher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// New returns a Fetcher for http(s) URLs, file:// URLs and bare local paths.
func New(cfg Config, logger *slog.Logger) Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger,
	}
}

func (f *fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, common.NewFetchError("empty locator", nil, false)
	}
	u, err := url.Parse(locator)
	if err != nil {
		return nil, common.NewFetchError("parse locator "+locator, err, false)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, locator)
	case "file":
		return readFile(u.Path)
	case "":
		return readFile(locator)
	default:
		return nil, common.NewFetchError(fmt.Sprintf("unsupported scheme %q", u.Scheme), nil, false)
	}
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, common.NewFetchError("read "+path, err, false)
	}
	if len(b) == 0 {
		return nil, common.NewFetchError("empty file "+path, nil, false)
	}
	return b, nil
}

func (f *fetcher) fetchHTTP(ctx context.Context, locator string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		start := time.Now()
		body, err := f.get(ctx, locator)
		if err == nil {
			f.log.Debug("fetch.ok", "url", locator, "bytes", len(body), "attempt", attempt, "elapsed_ms", time.Since(start).Milliseconds())
			return body, nil
		}
		lastErr = err
		if !common.IsRetryable(err) || attempt == f.cfg.MaxRetries {
			break
		}
		f.log.Warn("fetch.retry", "url", locator, "attempt", attempt, "error", err)
		if err := common.Sleep(ctx, f.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, common.NewFetchError("fetch cancelled", err, false)
		}
	}
	f.log.Error("fetch.failed", "url", locator, "error", lastErr)
	return nil, lastErr
}

func (f *fetcher) get(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, common.NewFetchError("build request", err, false)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		// transport errors are transient unless the caller gave up
		return nil, common.NewFetchError("GET "+locator, err, !errors.Is(err, context.Canceled))
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.log.Warn("fetch.response_body_close_error", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode/100 != 2 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		e := common.NewFetchError(fmt.Sprintf("GET %s: status %d", locator, resp.StatusCode), nil, retryable)
		e.StatusCode = resp.StatusCode
		return nil, e
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewFetchError("read body", err, true)
	}
	if len(body) == 0 {
		return nil, common.NewFetchError("empty body from "+locator, nil, false)
	}
	return body, nil
}
