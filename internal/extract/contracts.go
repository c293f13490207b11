package extract

import (
	"context"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
)

// Backend turns one PDF into a Result. A returned error is the failure
// outcome; it should be a *common.AppError so the processor can tell
// terminal failures from retryable ones.
type Backend interface {
	Name() string
	Extract(ctx context.Context, doc Document) (Result, error)
}

// Document is the input handed to every backend in a chain. Bytes are
// fetched once per item and shared.
type Document struct {
	ItemID  string
	Locator string
	// StorageURI is an optional gs:// reference some backends can use in place of Bytes.
	StorageURI string
	Bytes      []byte
}

// Result is one of *TreeResult, *TextResult or *TablesResult.
type Result interface {
	isResult()
}

// TreeResult is a structured layout tree, decoded with key order kept.
type TreeResult struct {
	Root any
	// Raw is the response body as received.
	Raw []byte
}

// TextResult is plain text, one entry per page.
type TextResult struct {
	Pages []string
}

// TablesResult carries tables already in canonical form.
type TablesResult struct {
	Tables []entity.NormalizedTable
	Raw    []byte
}

func (*TreeResult) isResult()   {}
func (*TextResult) isResult()   {}
func (*TablesResult) isResult() {}
