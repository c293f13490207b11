package common

import (
	"context"
	"log/slog"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyWorkerID  contextKey = "worker_id"
	ContextKeyItemID    contextKey = "item_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithWorkerID adds the owning worker ID to the context
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, workerID)
}

// WorkerIDFromContext extracts the worker ID from context
func WorkerIDFromContext(ctx context.Context) string {
	if workerID, ok := ctx.Value(ContextKeyWorkerID).(string); ok {
		return workerID
	}
	return ""
}

// WithItemID adds the work item ID to the context
func WithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, ContextKeyItemID, itemID)
}

// ItemIDFromContext extracts the work item ID from context
func ItemIDFromContext(ctx context.Context) string {
	if itemID, ok := ctx.Value(ContextKeyItemID).(string); ok {
		return itemID
	}
	return ""
}

// LoggerWithContext returns logger with the worker and item IDs found on ctx attached.
func LoggerWithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id := WorkerIDFromContext(ctx); id != "" {
		logger = logger.With("worker_id", id)
	}
	if id := ItemIDFromContext(ctx); id != "" {
		logger = logger.With("item_id", id)
	}
	return logger
}
