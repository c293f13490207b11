package llm

import "context"

// Request is one chat turn: a system instruction and the user payload.
type Request struct {
	System string
	User   string
}

// Completer returns the model's text reply to a Request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
