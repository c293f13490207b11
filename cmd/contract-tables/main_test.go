package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/core/async"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

func TestRunAndReportPrintsSummaryOnError(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(ctx, repository.Config{DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	repo := repository.NewWorkItemRepository(db, logger)

	for _, id := range []string{"a", "b"} {
		_, err := repo.UpsertStatic(ctx, repository.StaticFields{ID: id, SourceLocator: "https://example.test/" + id + ".pdf"}, false)
		require.NoError(t, err)
	}
	item, err := repo.ClaimNext(ctx, repository.Filter{}, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, repo.RecordResult(ctx, item.ID, "w1", entity.Outcome{Status: constants.StatusFailed, Error: "docai: status 500"}))

	cctx, cancel := context.WithCancel(ctx)
	boom := errors.New("ledger unavailable")
	var out bytes.Buffer
	err = runAndReport(cctx, &out, repo, func(context.Context) (async.Summary, error) {
		cancel()
		return async.Summary{Processed: 1, Failed: 1, Duration: time.Second}, boom
	})
	require.ErrorIs(t, err, boom)

	text := out.String()
	assert.Contains(t, text, "processed 1 item(s) in 1s: 0 succeeded, 1 failed")
	assert.Contains(t, text, "failed items:")
	assert.Contains(t, text, item.ID+" (attempts 1): docai: status 500")
	assert.Contains(t, text, "total")
}
