package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f fakeFetcher) Fetch(context.Context, string) ([]byte, error) { return f.data, f.err }

type fakeBackend struct {
	name  string
	calls atomic.Int32
	seen  [][]byte
	fn    func(call int) (extract.Result, error)
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Extract(_ context.Context, doc extract.Document) (extract.Result, error) {
	b.seen = append(b.seen, doc.Bytes)
	return b.fn(int(b.calls.Add(1)))
}

func tablesResult(ids ...string) extract.Result {
	res := &extract.TablesResult{}
	for _, id := range ids {
		res.Tables = append(res.Tables, entity.NormalizedTable{
			TableID: id,
			Page:    1,
			Rows:    []*entity.Row{entity.NewRow("row_name", "A", "2023", int64(1))},
		})
	}
	return res
}

func newTestProcessor(fetcher fakeFetcher, backends ...extract.Backend) *Processor {
	var chain []extract.Backend
	chain = append(chain, backends...)
	return NewProcessor(slog.New(slog.NewTextHandler(io.Discard, nil)), fetcher, chain, WithRetries(3, time.Millisecond))
}

func testItem() *entity.WorkItem {
	return &entity.WorkItem{ID: "item-1", SourceLocator: "https://example.test/item-1.pdf"}
}

func TestProcessFirstBackendWins(t *testing.T) {
	first := &fakeBackend{name: "geometry", fn: func(int) (extract.Result, error) { return tablesResult("p1_t1"), nil }}
	second := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) { return tablesResult("x"), nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, first, second).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.Equal(t, "geometry", out.Backend)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, "p1_t1", out.Tables[0].TableID)
	assert.JSONEq(t, `[{"table_id":"p1_t1","page":1,"rows":[{"row_name":"A","2023":1}]}]`, string(out.RawOutput))
	assert.Zero(t, second.calls.Load())
}

func TestProcessFallsBackOnEmptyAndErrors(t *testing.T) {
	empty := &fakeBackend{name: "geometry", fn: func(int) (extract.Result, error) { return &extract.TablesResult{}, nil }}
	broken := &fakeBackend{name: "ocr", fn: func(int) (extract.Result, error) {
		return nil, common.NewBackendError("pdftoppm missing", 0, nil, false)
	}}
	good := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) { return tablesResult("t1", "t2"), nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, empty, broken, good).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.Equal(t, "docai", out.Backend)
	assert.Len(t, out.Tables, 2)
	require.Len(t, out.Notes, 1)
	assert.Contains(t, out.Notes[0], "ocr")
	assert.Equal(t, int32(1), broken.calls.Load(), "non-retryable errors are not retried")
}

func TestProcessTerminalErrorStopsChain(t *testing.T) {
	denied := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) {
		return nil, common.NewTerminalError("permission denied", 403, nil)
	}}
	next := &fakeBackend{name: "llm", fn: func(int) (extract.Result, error) { return tablesResult("t1"), nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, denied, next).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "permission denied")
	assert.Nil(t, out.Tables)
	assert.Equal(t, int32(1), denied.calls.Load())
	assert.Zero(t, next.calls.Load())
}

func TestProcessRetriesAgainstSameBytes(t *testing.T) {
	flaky := &fakeBackend{name: "docai", fn: func(call int) (extract.Result, error) {
		if call < 3 {
			return nil, common.NewBackendError("unavailable", 503, nil, true)
		}
		return tablesResult("t1"), nil
	}}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF-1.7")}, flaky).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.Equal(t, int32(3), flaky.calls.Load())
	for _, b := range flaky.seen {
		assert.Equal(t, "%PDF-1.7", string(b))
	}
}

func TestProcessRetryableExhaustedMovesOn(t *testing.T) {
	limited := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) {
		return nil, common.NewBackendError("rate limited", 429, common.ErrRateLimited, true)
	}}
	next := &fakeBackend{name: "llm", fn: func(int) (extract.Result, error) { return tablesResult("llm_0"), nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, limited, next).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.Equal(t, "llm", out.Backend)
	assert.Equal(t, int32(3), limited.calls.Load())
}

func TestProcessEmptyEverywhereIsSuccessWithNote(t *testing.T) {
	empty := &fakeBackend{name: "geometry", fn: func(int) (extract.Result, error) { return &extract.TablesResult{}, nil }}
	text := &fakeBackend{name: "ocr", fn: func(int) (extract.Result, error) { return &extract.TextResult{Pages: []string{"just prose"}}, nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, empty, text).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.NotNil(t, out.Tables)
	assert.Empty(t, out.Tables)
	assert.Equal(t, "geometry", out.Backend)
	require.NotEmpty(t, out.Notes)
	assert.Contains(t, out.Notes[len(out.Notes)-1], common.CodeValidation)
}

func TestProcessFetchFailure(t *testing.T) {
	b := &fakeBackend{name: "geometry", fn: func(int) (extract.Result, error) { return tablesResult("t1"), nil }}
	fetchErr := common.NewFetchError("status 404", errors.New("not found"), false)

	out := newTestProcessor(fakeFetcher{err: fetchErr}, b).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusFailed, out.Status)
	assert.Contains(t, out.Error, common.CodeFetch)
	assert.Zero(t, b.calls.Load())
}

func TestProcessFetchFailureWithStorageURI(t *testing.T) {
	var got extract.Document
	b := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) { return tablesResult("t1"), nil }}
	item := testItem()
	item.Fields = map[string]any{entity.FieldStorageURI: "gs://bucket/item-1.pdf"}
	wrapped := &docCapture{Backend: b, got: &got}

	out := newTestProcessor(fakeFetcher{err: errors.New("dns")}, wrapped).Process(context.Background(), item)
	assert.Equal(t, constants.StatusSuccess, out.Status)
	assert.Equal(t, "gs://bucket/item-1.pdf", got.StorageURI)
	assert.Nil(t, got.Bytes)
	require.NotEmpty(t, out.Notes)
	assert.Contains(t, out.Notes[0], "fetch failed")
}

type docCapture struct {
	extract.Backend
	got *extract.Document
}

func (d *docCapture) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	*d.got = doc
	return d.Backend.Extract(ctx, doc)
}

func TestProcessNoBackends(t *testing.T) {
	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusFailed, out.Status)
	assert.Contains(t, out.Error, common.CodeConfig)
}

func TestProcessLayoutTreeSkipsMalformedTable(t *testing.T) {
	raw := []byte(`{"documentLayout": {"blocks": [
	  {"blockId": "good", "pageSpan": {"pageStart": 2}, "tableBlock": {
	    "headerRows": [{"cells": [{"blocks": [{"textBlock": {"text": "Item"}}]}, {"blocks": [{"textBlock": {"text": "2023"}}]}]}],
	    "bodyRows": [{"cells": [{"blocks": [{"textBlock": {"text": "Fee"}}]}, {"blocks": [{"textBlock": {"text": "1.500,00"}}]}]}]
	  }},
	  {"blockId": "broken", "tableBlock": {"bodyRows": [{"cells": "oops"}]}}
	]}}`)
	root, err := layout.Decode(raw)
	require.NoError(t, err)
	tree := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) {
		return &extract.TreeResult{Root: root, Raw: raw}, nil
	}}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, tree).Process(context.Background(), testItem())
	assert.Equal(t, constants.StatusSuccess, out.Status)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, "good", out.Tables[0].TableID)
	assert.Equal(t, 2, out.Tables[0].Page)
	assert.Equal(t, map[string]any{"row_name": "Fee", "2023": 1500.0}, out.Tables[0].Rows[0].Map())
	require.Len(t, out.Notes, 1)
	assert.Contains(t, out.Notes[0], "broken")
	assert.JSONEq(t, string(raw), string(out.RawOutput))
}

func TestProcessCancelledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeBackend{name: "docai", fn: func(int) (extract.Result, error) {
		cancel()
		return nil, common.NewBackendError("interrupted", 0, context.Canceled, false)
	}}
	next := &fakeBackend{name: "llm", fn: func(int) (extract.Result, error) { return tablesResult("t1"), nil }}

	out := newTestProcessor(fakeFetcher{data: []byte("%PDF")}, first, next).Process(ctx, testItem())
	assert.Equal(t, constants.StatusFailed, out.Status)
	assert.Zero(t, next.calls.Load())
}

func TestBackendsNames(t *testing.T) {
	p := newTestProcessor(fakeFetcher{}, &fakeBackend{name: "geometry"}, &fakeBackend{name: "ocr"})
	assert.Equal(t, []string{"geometry", "ocr"}, p.Backends())
}
