package repository

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
)

func newTestRepo(t *testing.T) WorkItemRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(context.Background(), Config{DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return NewWorkItemRepository(db, logger)
}

func seed(t *testing.T, repo WorkItemRepository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		out, err := repo.UpsertStatic(context.Background(), StaticFields{
			ID:            id,
			SourceLocator: "https://example.test/" + id + ".pdf",
			Fields:        map[string]any{"year": 2023, "hospital_name": "Hospital " + id},
		}, false)
		require.NoError(t, err)
		require.Equal(t, UpsertInserted, out)
	}
}

func TestUpsertStaticRespectsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a")

	out, err := repo.UpsertStatic(ctx, StaticFields{ID: "a", SourceLocator: "https://example.test/a-v2.pdf"}, false)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, out)

	item, err := repo.ClaimNext(ctx, Filter{}, "w1")
	require.NoError(t, err)
	require.NoError(t, repo.RecordResult(ctx, item.ID, "w1", entity.Outcome{Status: constants.StatusSuccess, Tables: []entity.NormalizedTable{}}))

	out, err = repo.UpsertStatic(ctx, StaticFields{ID: "a", SourceLocator: "https://example.test/a-v3.pdf"}, false)
	require.NoError(t, err)
	assert.Equal(t, UpsertSkipped, out)

	out, err = repo.UpsertStatic(ctx, StaticFields{ID: "a", SourceLocator: "https://example.test/a-v3.pdf"}, true)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, out)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/a-v3.pdf", got.SourceLocator)
	assert.Equal(t, constants.StatusSuccess, got.Status, "forced upsert keeps status")
}

func TestUpsertStaticValidates(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.UpsertStatic(context.Background(), StaticFields{ID: "", SourceLocator: "ftp://x"}, false)
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestClaimNextOrderAndExhaustion(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a", "b")

	first, err := repo.ClaimNext(ctx, Filter{}, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, constants.StatusInProgress, first.Status)
	assert.Equal(t, "w1", first.WorkerID)
	assert.Equal(t, 1, first.AttemptCount)
	assert.Equal(t, "Hospital a", first.Fields["hospital_name"])

	second, err := repo.ClaimNext(ctx, Filter{}, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "b", second.ID)

	none, err := repo.ClaimNext(ctx, Filter{}, "w3")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNextConcurrentSingleItem(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "only")

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, err := repo.ClaimNext(ctx, Filter{}, "w"+string(rune('0'+i)))
			assert.NoError(t, err)
			if item != nil {
				mu.Lock()
				winner = append(winner, item.WorkerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, winner, 1)
}

func TestRecordResultInvariants(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a", "b")

	a, err := repo.ClaimNext(ctx, Filter{}, "w1")
	require.NoError(t, err)
	b, err := repo.ClaimNext(ctx, Filter{}, "w1")
	require.NoError(t, err)

	require.ErrorIs(t, repo.RecordResult(ctx, a.ID, "someone-else", entity.Outcome{Status: constants.StatusFailed, Error: "x"}), common.ErrNotFound)
	require.ErrorIs(t, repo.RecordResult(ctx, a.ID, "w1", entity.Outcome{Status: constants.StatusPending}), common.ErrInvalidInput)

	tables := []entity.NormalizedTable{{TableID: "t1", Page: 2, Rows: []*entity.Row{entity.NewRow("row_name", "A", "2022", 1234.56)}}}
	require.NoError(t, repo.RecordResult(ctx, a.ID, "w1", entity.Outcome{
		Status: constants.StatusSuccess, Tables: tables, Backend: "docai",
		RawOutput: []byte(`{"documentLayout":{}}`), Notes: []string{"skipped table x"},
	}))
	require.NoError(t, repo.RecordResult(ctx, b.ID, "w1", entity.Outcome{Status: constants.StatusFailed, Error: "BACKEND_ERROR: docai: status 403"}))

	gotA, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccess, gotA.Status)
	require.Len(t, gotA.Result, 1)
	assert.Equal(t, 1, gotA.NumTables)
	assert.Equal(t, 1, gotA.NumRows)
	assert.Equal(t, []string{"skipped table x"}, gotA.Notes)
	assert.JSONEq(t, `{"documentLayout":{}}`, string(gotA.RawOutput))
	v, _ := gotA.Result[0].Rows[0].Get("2022")
	assert.Equal(t, 1234.56, v)

	gotB, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusFailed, gotB.Status)
	assert.Nil(t, gotB.Result)
	assert.Equal(t, "BACKEND_ERROR: docai: status 403", gotB.Error)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[constants.ItemStatus]int{
		constants.StatusPending: 0, constants.StatusInProgress: 0,
		constants.StatusSuccess: 1, constants.StatusFailed: 1,
	}, counts)
}

func TestEmptySuccessIsNotNull(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a")
	_, err := repo.ClaimNext(ctx, Filter{}, "w1")
	require.NoError(t, err)
	require.NoError(t, repo.RecordResult(ctx, "a", "w1", entity.Outcome{Status: constants.StatusSuccess}))

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, got.Result)
	assert.Empty(t, got.Result)
}

func TestResetRecoversCrashedClaim(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a")

	claimed, err := repo.ClaimNext(ctx, Filter{}, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// worker dies: no RecordResult
	none, err := repo.ClaimNext(ctx, Filter{}, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := repo.ResetStatus(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, 0, got.AttemptCount)

	again, err := repo.ClaimNext(ctx, Filter{}, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "a", again.ID)

	events, err := repo.Events(ctx, "a")
	require.NoError(t, err)
	var statuses []constants.ItemStatus
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []constants.ItemStatus{
		constants.StatusPending, constants.StatusInProgress, constants.StatusPending, constants.StatusInProgress,
	}, statuses)
}

func TestClaimFilters(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "x-1", "y-1")

	item, err := repo.ClaimNext(ctx, Filter{IDPrefix: "y-"}, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "y-1", item.ID)
	require.NoError(t, repo.RecordResult(ctx, item.ID, "w1", entity.Outcome{Status: constants.StatusFailed, Error: "boom"}))

	// failed items are claimable only when asked for, and only under the attempt ceiling
	none, err := repo.ClaimNext(ctx, Filter{IDs: []string{"y-1"}, Statuses: []constants.ItemStatus{constants.StatusPending}}, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = repo.ClaimNext(ctx, Filter{IDs: []string{"y-1"}, MaxAttempts: 1}, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = repo.ClaimNext(ctx, Filter{IDs: []string{"y-1"}, UpdatedBefore: time.Now().Add(-time.Hour)}, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	retry, err := repo.ClaimNext(ctx, Filter{IDs: []string{"y-1"}, MaxAttempts: 3}, "w1")
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.AttemptCount)
}

func TestSampleAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "a", "b", "c")

	all, err := repo.List(ctx, Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := repo.Sample(ctx, Filter{Statuses: []constants.ItemStatus{constants.StatusPending}}, 2)
	require.NoError(t, err)
	assert.Len(t, some, 2)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(""))
	assert.Equal(t, "data/x.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("data/x.db"))
	assert.Equal(t, "file:x.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqliteDSN("file:x.db?mode=rwc"))
	assert.True(t, IsPostgresDSN("postgres://u@h/db"))
	assert.False(t, IsPostgresDSN("data/x.db"))
}
