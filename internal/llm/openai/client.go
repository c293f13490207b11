package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/llm"
)

// Complete implements llm.Completer with chat/completions in JSON mode.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.complete.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"user_len", len(req.User),
	)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(llm.TablesSchema())},
		},
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	var (
		raw     []byte
		lastErr error
	)
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		out, status, err := llm.SendJSON(ctx, c.httpClient, endpoint, body, headers, c.log)
		if err == nil {
			raw, lastErr = out, nil
			break
		}
		lastErr = classify(status, out, err)
		if !common.IsRateLimited(lastErr) || common.IsTerminal(lastErr) || attempt == c.cfg.MaxRetries-1 {
			break
		}
		wait := common.Backoff(c.cfg.RetryDelay, attempt)
		c.log.Warn("llm.complete.rate_limited", "req_id", rid, "attempt", attempt+1, "wait_ms", wait.Milliseconds())
		if err := common.Sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	if lastErr != nil {
		c.log.Error("llm.complete.http_error",
			"req_id", rid, "error", lastErr,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", lastErr
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.complete.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return "", common.NewBackendError("openai: decode response", 0, err, true)
	}
	if len(cc.Choices) == 0 || strings.TrimSpace(cc.Choices[0].Message.Content) == "" {
		c.log.Error("llm.complete.no_choices", "req_id", rid, "raw", string(raw))
		return "", common.NewBackendError("openai: empty reply", 0, nil, true)
	}

	c.log.Info("llm.complete.ok",
		"req_id", rid,
		"finish_reason", cc.Choices[0].FinishReason,
		"content_len", len(cc.Choices[0].Message.Content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return cc.Choices[0].Message.Content, nil
}

func classify(status int, body []byte, err error) error {
	msg := fmt.Sprintf("openai: status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == 0:
		return common.NewBackendError("openai: request failed", 0, err, true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.NewTerminalError(msg, status, common.ErrUnauthorized)
	case strings.Contains(strings.ToLower(string(body)), "insufficient_quota"):
		return common.NewTerminalError(msg, status, nil)
	case status == http.StatusTooManyRequests:
		return common.NewBackendError(msg, status, common.ErrRateLimited, true)
	default:
		return common.NewBackendError(msg, status, err, status >= 500)
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
