package docai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

// Config for the document layout backend.
type Config struct {
	Endpoint    string // full :process URL of the layout processor
	AccessToken string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	MaxPages    int  // documents longer than this are trimmed to their last MaxPages pages
	UseStorage  bool // send gs:// references instead of bytes when the item has one
	Qpdf        string
}

// Client calls a document layout processor and returns its response tree.
type Client struct {
	cfg    Config
	http   *http.Client
	runner extract.Runner
	log    *slog.Logger
}

func New(cfg Config, runner extract.Runner, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 30
	}
	if cfg.Qpdf == "" {
		cfg.Qpdf = "qpdf"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = extract.ExecRunner{Log: logger}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		runner: runner,
		log:    logger,
	}
}

func (c *Client) Name() string { return constants.BackendDocAI }

type document struct {
	Content  string `json:"content,omitempty"`
	GcsURI   string `json:"gcsUri,omitempty"`
	MimeType string `json:"mimeType"`
}

type processRequest struct {
	RawDocument *document `json:"rawDocument,omitempty"`
	GcsDocument *document `json:"gcsDocument,omitempty"`
}

func (c *Client) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	if c.cfg.UseStorage && strings.HasPrefix(doc.StorageURI, "gs://") {
		raw, err := c.process(ctx, doc.ItemID, processRequest{
			GcsDocument: &document{GcsURI: doc.StorageURI, MimeType: constants.MimePDF},
		})
		if err == nil {
			return decode(raw)
		}
		if !isPageLimit(err) || len(doc.Bytes) == 0 {
			return nil, err
		}
		c.log.Info("docai.page_limit.fallback", "item_id", doc.ItemID, "storage_uri", doc.StorageURI)
		return c.processBytes(ctx, doc.ItemID, doc.Bytes, true)
	}
	return c.processBytes(ctx, doc.ItemID, doc.Bytes, false)
}

// processBytes sends the document inline. Long documents are trimmed up front;
// a page-limit rejection of an untrimmed document triggers one trimmed retry.
func (c *Client) processBytes(ctx context.Context, itemID string, pdf []byte, forceTrim bool) (extract.Result, error) {
	trimmed := false
	if needs, err := c.needsTrim(pdf); forceTrim || needs {
		if err != nil {
			c.log.Debug("docai.page_count_unknown", "item_id", itemID, "error", err)
		}
		out, err := c.trim(ctx, pdf)
		if err != nil {
			return nil, err
		}
		pdf, trimmed = out, true
	}

	raw, err := c.process(ctx, itemID, inline(pdf))
	if err != nil && isPageLimit(err) && !trimmed {
		c.log.Info("docai.page_limit.trim_retry", "item_id", itemID)
		out, terr := c.trim(ctx, pdf)
		if terr != nil {
			return nil, terr
		}
		raw, err = c.process(ctx, itemID, inline(out))
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func inline(pdf []byte) processRequest {
	return processRequest{RawDocument: &document{
		Content:  base64.StdEncoding.EncodeToString(pdf),
		MimeType: constants.MimePDF,
	}}
}

func decode(raw []byte) (extract.Result, error) {
	root, err := layout.Decode(raw)
	if err != nil {
		return nil, common.NewBackendError("docai: decode response", 0, err, false)
	}
	return &extract.TreeResult{Root: root, Raw: raw}, nil
}

// process POSTs body, retrying rate limits and timeouts.
func (c *Client) process(ctx context.Context, itemID string, body processRequest) ([]byte, error) {
	if c.cfg.Endpoint == "" {
		return nil, common.NewTerminalError("docai: endpoint is not configured", 0, nil)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, common.NewBackendError("docai: encode request", 0, err, false)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		raw, err := c.post(ctx, itemID, payload)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if common.IsTerminal(err) || !common.IsRetryable(err) || attempt == c.cfg.MaxRetries-1 {
			break
		}
		wait := c.cfg.RetryDelay
		if common.IsRateLimited(err) {
			wait = common.Backoff(c.cfg.RetryDelay, attempt)
		}
		c.log.Warn("docai.retry", "item_id", itemID, "attempt", attempt+1, "wait_ms", wait.Milliseconds(), "error", err)
		if err := common.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, itemID string, payload []byte) ([]byte, error) {
	reqID := uuid.NewString()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, common.NewBackendError("docai: build request", 0, err, false)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	c.log.Info("docai.http.request", "req_id", reqID, "item_id", itemID, "content_length", len(payload))
	resp, err := c.http.Do(req)
	if err != nil {
		retryable := !errors.Is(err, context.Canceled) && ctx.Err() == nil
		c.log.Error("docai.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, common.NewBackendError("docai: request failed", 0, err, retryable)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("docai.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewBackendError("docai: read response", resp.StatusCode, err, true)
	}
	c.log.Info("docai.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 == 2 {
		return raw, nil
	}
	return nil, classify(resp.StatusCode, raw)
}

// classify maps a non-2xx response to an AppError.
func classify(status int, body []byte) error {
	msg := fmt.Sprintf("docai: status %d: %s", status, snippet(body))
	text := strings.ToLower(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.NewTerminalError(msg, status, common.ErrUnauthorized)
	case strings.Contains(text, "quota"):
		return common.NewTerminalError(msg, status, nil)
	case status == http.StatusTooManyRequests:
		return common.NewBackendError(msg, status, common.ErrRateLimited, true)
	case status >= 500:
		return common.NewBackendError(msg, status, nil, true)
	default:
		return common.NewBackendError(msg, status, nil, false)
	}
}

func isPageLimit(err error) bool {
	var ae *common.AppError
	if !errors.As(err, &ae) {
		return false
	}
	m := strings.ToLower(ae.Message)
	return strings.Contains(m, "page_limit_exceeded") || strings.Contains(m, "pages exceed the limit")
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
