package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
)

const (
	tableWorkItem  = "work_item"
	tableItemEvent = "item_event"

	// claim retries after losing a race to another worker
	maxClaimRaces = 8
)

var itemColumns = []string{
	"id", "source_locator", "fields", "status", "worker_id", "result", "raw_output",
	"backend", "error", "notes", "attempt_count", "num_tables", "num_rows", "created_at", "updated_at",
}

// Filter selects work items. Zero fields do not constrain.
type Filter struct {
	IDs      []string
	IDPrefix string
	Statuses []constants.ItemStatus
	// MaxAttempts > 0 restricts to items with attempt_count below it.
	MaxAttempts int
	// UpdatedBefore skips items touched at or after this instant.
	UpdatedBefore time.Time
}

func (f Filter) predicate() *entsql.Predicate {
	var ps []*entsql.Predicate
	if len(f.IDs) > 0 {
		ps = append(ps, entsql.In("id", toAny(f.IDs)...))
	}
	if f.IDPrefix != "" {
		ps = append(ps, entsql.HasPrefix("id", f.IDPrefix))
	}
	if len(f.Statuses) > 0 {
		ps = append(ps, entsql.In("status", statusArgs(f.Statuses)...))
	}
	if f.MaxAttempts > 0 {
		ps = append(ps, entsql.LT("attempt_count", f.MaxAttempts))
	}
	if !f.UpdatedBefore.IsZero() {
		ps = append(ps, entsql.LT("updated_at", f.UpdatedBefore.UnixNano()))
	}
	switch len(ps) {
	case 0:
		return nil
	case 1:
		return ps[0]
	}
	return entsql.And(ps...)
}

// apply adds the filter's predicate to sel, if there is one.
func (f Filter) apply(sel *entsql.Selector) *entsql.Selector {
	if p := f.predicate(); p != nil {
		sel.Where(p)
	}
	return sel
}

// UpsertOutcome reports what UpsertStatic did.
type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
	UpsertSkipped  UpsertOutcome = "skipped"
)

// StaticFields are the ingestion-time attributes of a work item.
type StaticFields struct {
	ID            string
	SourceLocator string
	Fields        map[string]any
}

// WorkItemRepository is the job ledger.
type WorkItemRepository interface {
	// UpsertStatic inserts a pending item or refreshes its static fields.
	// Items in a terminal status are left alone unless force is set.
	UpsertStatic(ctx context.Context, in StaticFields, force bool) (UpsertOutcome, error)
	// ClaimNext moves one pending/failed item matching filter to in_progress
	// under workerID. It returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context, filter Filter, workerID string) (*entity.WorkItem, error)
	// RecordResult writes the terminal outcome of a claimed item.
	RecordResult(ctx context.Context, id, workerID string, out entity.Outcome) error
	CountByStatus(ctx context.Context) (map[constants.ItemStatus]int, error)
	// ResetStatus moves matching items back to pending and returns how many
	// moved. With no statuses in filter, only in_progress items are reset.
	ResetStatus(ctx context.Context, filter Filter) (int, error)
	Get(ctx context.Context, id string) (*entity.WorkItem, error)
	List(ctx context.Context, filter Filter, limit int) ([]*entity.WorkItem, error)
	Sample(ctx context.Context, filter Filter, n int) ([]*entity.WorkItem, error)
	Events(ctx context.Context, itemID string) ([]entity.ItemEvent, error)
}

type workItemRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewWorkItemRepository(db *DB, log *slog.Logger) WorkItemRepository {
	if log == nil {
		log = slog.Default()
	}
	return &workItemRepo{db: db, log: log, now: time.Now}
}

func (r *workItemRepo) UpsertStatic(ctx context.Context, in StaticFields, force bool) (UpsertOutcome, error) {
	v := common.NewValidator()
	v.Field("id", in.ID, common.Required, common.MaxLength(512))
	v.Field("source_locator", in.SourceLocator, common.Required, common.Locator)
	if err := v.Error(); err != nil {
		return "", err
	}
	fields, err := marshalNullable(in.Fields, len(in.Fields) == 0)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}

	var outcome UpsertOutcome
	err = r.withTx(ctx, func(tx dialect.Tx) error {
		b := r.db.builder()
		q, args := b.Select("status").From(b.Table(tableWorkItem)).Where(entsql.EQ("id", in.ID)).Query()
		var current sql.NullString
		found, err := scanOne(ctx, tx, q, args, &current)
		if err != nil {
			return err
		}
		now := r.now().UnixNano()

		switch {
		case !found:
			q, args = b.Insert(tableWorkItem).
				Columns("id", "source_locator", "fields", "status", "attempt_count", "num_tables", "num_rows", "created_at", "updated_at").
				Values(in.ID, in.SourceLocator, fields, string(constants.StatusPending), 0, 0, 0, now, now).
				Query()
			outcome = UpsertInserted
		case constants.ItemStatus(current.String).Terminal() && !force:
			outcome = UpsertSkipped
			return nil
		default:
			q, args = b.Update(tableWorkItem).
				Set("source_locator", in.SourceLocator).
				Set("fields", fields).
				Set("updated_at", now).
				Where(entsql.EQ("id", in.ID)).
				Query()
			outcome = UpsertUpdated
		}
		if err := tx.Exec(ctx, q, args, nil); err != nil {
			return err
		}
		status := constants.StatusPending
		if found {
			status = constants.ItemStatus(current.String)
		}
		return r.appendEvent(ctx, tx, in.ID, status, "static fields "+string(outcome))
	})
	if err != nil {
		r.log.Error("ledger.upsert.failed", "item_id", in.ID, "error", err)
		return "", err
	}
	r.log.Debug("ledger.upsert.ok", "item_id", in.ID, "outcome", outcome)
	return outcome, nil
}

func (r *workItemRepo) ClaimNext(ctx context.Context, filter Filter, workerID string) (*entity.WorkItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim: %w: worker id is required", common.ErrInvalidInput)
	}
	filter.Statuses = claimable(filter.Statuses)
	if len(filter.Statuses) == 0 {
		return nil, nil
	}

	for race := 0; race < maxClaimRaces; race++ {
		var (
			item *entity.WorkItem
			lost bool
		)
		err := r.withTx(ctx, func(tx dialect.Tx) error {
			b := r.db.builder()
			q, args := filter.apply(b.Select("id", "status").From(b.Table(tableWorkItem))).
				OrderBy("created_at", "id").
				Limit(1).
				Query()
			var id, status sql.NullString
			found, err := scanOne(ctx, tx, q, args, &id, &status)
			if err != nil || !found {
				return err
			}

			// Conditional update: only succeeds if nobody moved the row since the select.
			q, args = b.Update(tableWorkItem).
				Set("status", string(constants.StatusInProgress)).
				Set("worker_id", workerID).
				Set("updated_at", r.now().UnixNano()).
				Add("attempt_count", 1).
				Where(entsql.And(entsql.EQ("id", id.String), entsql.EQ("status", status.String))).
				Query()
			var res sql.Result
			if err := tx.Exec(ctx, q, args, &res); err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				lost = true
				return nil
			}
			if err := r.appendEvent(ctx, tx, id.String, constants.StatusInProgress, "claimed by "+workerID); err != nil {
				return err
			}
			item, err = r.getTx(ctx, tx, id.String)
			return err
		})
		if err != nil {
			r.log.Error("ledger.claim.failed", "worker_id", workerID, "error", err)
			return nil, err
		}
		if lost {
			r.log.Debug("ledger.claim.race_lost", "worker_id", workerID, "race", race)
			continue
		}
		if item != nil {
			r.log.Debug("ledger.claim.ok", "worker_id", workerID, "item_id", item.ID, "attempt", item.AttemptCount)
		}
		return item, nil
	}
	return nil, fmt.Errorf("claim: lost %d consecutive races", maxClaimRaces)
}

// claimable narrows statuses to pending and failed; empty means both.
func claimable(in []constants.ItemStatus) []constants.ItemStatus {
	if len(in) == 0 {
		return []constants.ItemStatus{constants.StatusPending, constants.StatusFailed}
	}
	var out []constants.ItemStatus
	for _, s := range in {
		if s == constants.StatusPending || s == constants.StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

func (r *workItemRepo) RecordResult(ctx context.Context, id, workerID string, out entity.Outcome) error {
	var (
		result  any
		numRows int
	)
	switch out.Status {
	case constants.StatusSuccess:
		tables := out.Tables
		if tables == nil {
			tables = []entity.NormalizedTable{}
		}
		b, err := json.Marshal(tables)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
		numRows = entity.RowCount(tables)
	case constants.StatusFailed:
		if len(out.Tables) > 0 {
			return fmt.Errorf("record %s: %w: failed outcome carries tables", id, common.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("record %s: %w: status %q is not terminal", id, common.ErrInvalidInput, out.Status)
	}

	notes, err := marshalNullable(out.Notes, len(out.Notes) == 0)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	var raw any
	if len(out.RawOutput) > 0 {
		raw = string(out.RawOutput)
	}
	var errText any
	if out.Error != "" {
		errText = out.Error
	}

	err = r.withTx(ctx, func(tx dialect.Tx) error {
		b := r.db.builder()
		where := []*entsql.Predicate{entsql.EQ("id", id), entsql.EQ("status", string(constants.StatusInProgress))}
		if workerID != "" {
			where = append(where, entsql.EQ("worker_id", workerID))
		}
		q, args := b.Update(tableWorkItem).
			Set("status", string(out.Status)).
			Set("result", result).
			Set("raw_output", raw).
			Set("backend", out.Backend).
			Set("error", errText).
			Set("notes", notes).
			Set("num_tables", len(out.Tables)).
			Set("num_rows", numRows).
			Set("updated_at", r.now().UnixNano()).
			Where(entsql.And(where...)).
			Query()
		var res sql.Result
		if err := tx.Exec(ctx, q, args, &res); err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("record %s: %w: not in progress for worker %q", id, common.ErrNotFound, workerID)
		}
		msg := fmt.Sprintf("%d tables, %d rows", len(out.Tables), numRows)
		if out.Status == constants.StatusFailed {
			msg = out.Error
		}
		return r.appendEvent(ctx, tx, id, out.Status, msg)
	})
	if err != nil {
		r.log.Error("ledger.record.failed", "item_id", id, "worker_id", workerID, "error", err)
		return err
	}
	r.log.Debug("ledger.record.ok", "item_id", id, "status", out.Status, "tables", len(out.Tables), "rows", numRows)
	return nil
}

func (r *workItemRepo) CountByStatus(ctx context.Context) (map[constants.ItemStatus]int, error) {
	b := r.db.builder()
	q, args := b.Select("status", entsql.Count("*")).From(b.Table(tableWorkItem)).GroupBy("status").Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[constants.ItemStatus]int, len(constants.AllStatuses))
	for _, s := range constants.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[constants.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *workItemRepo) ResetStatus(ctx context.Context, filter Filter) (int, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []constants.ItemStatus{constants.StatusInProgress}
	}
	var ids []string
	err := r.withTx(ctx, func(tx dialect.Tx) error {
		b := r.db.builder()
		q, args := filter.apply(b.Select("id").From(b.Table(tableWorkItem))).OrderBy("id").Query()
		var err error
		ids, err = scanStrings(ctx, tx, q, args)
		if err != nil || len(ids) == 0 {
			return err
		}
		q, args = b.Update(tableWorkItem).
			Set("status", string(constants.StatusPending)).
			SetNull("worker_id").
			SetNull("result").
			SetNull("error").
			Set("attempt_count", 0).
			Set("updated_at", r.now().UnixNano()).
			Where(entsql.In("id", toAny(ids)...)).
			Query()
		if err := tx.Exec(ctx, q, args, nil); err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.appendEvent(ctx, tx, id, constants.StatusPending, "reset"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("ledger.reset.failed", "error", err)
		return 0, err
	}
	r.log.Info("ledger.reset.ok", "count", len(ids), "statuses", filter.Statuses)
	return len(ids), nil
}

func (r *workItemRepo) Get(ctx context.Context, id string) (*entity.WorkItem, error) {
	return r.getTx(ctx, r.db.drv, id)
}

func (r *workItemRepo) List(ctx context.Context, filter Filter, limit int) ([]*entity.WorkItem, error) {
	b := r.db.builder()
	sel := filter.apply(b.Select(itemColumns...).From(b.Table(tableWorkItem))).OrderBy("created_at", "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	q, args := sel.Query()
	return r.queryItems(ctx, r.db.drv, q, args)
}

// Sample picks up to n random items matching filter.
func (r *workItemRepo) Sample(ctx context.Context, filter Filter, n int) ([]*entity.WorkItem, error) {
	b := r.db.builder()
	q, args := filter.apply(b.Select("id").From(b.Table(tableWorkItem))).OrderBy("id").Query()
	ids, err := scanStrings(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	out := make([]*entity.WorkItem, 0, len(ids))
	for _, id := range ids {
		item, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *workItemRepo) Events(ctx context.Context, itemID string) ([]entity.ItemEvent, error) {
	b := r.db.builder()
	q, args := b.Select("id", "item_id", "ts", "status", "message").
		From(b.Table(tableItemEvent)).
		Where(entsql.EQ("item_id", itemID)).
		OrderBy("ts", "id").
		Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ItemEvent
	for rows.Next() {
		var (
			ev      entity.ItemEvent
			ts      int64
			status  string
			message sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ts, &status, &message); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Status = constants.ItemStatus(status)
		ev.Message = message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// querier is satisfied by both the driver and a transaction.
type querier interface {
	Exec(ctx context.Context, query string, args, v any) error
	Query(ctx context.Context, query string, args, v any) error
}

func (r *workItemRepo) withTx(ctx context.Context, fn func(tx dialect.Tx) error) error {
	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Warn("ledger.tx.rollback_failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (r *workItemRepo) appendEvent(ctx context.Context, q querier, itemID string, status constants.ItemStatus, message string) error {
	b := r.db.builder()
	query, args := b.Insert(tableItemEvent).
		Columns("id", "item_id", "ts", "status", "message").
		Values(uuid.NewString(), itemID, r.now().UnixNano(), string(status), message).
		Query()
	return q.Exec(ctx, query, args, nil)
}

func (r *workItemRepo) getTx(ctx context.Context, q querier, id string) (*entity.WorkItem, error) {
	b := r.db.builder()
	query, args := b.Select(itemColumns...).From(b.Table(tableWorkItem)).Where(entsql.EQ("id", id)).Query()
	items, err := r.queryItems(ctx, q, query, args)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("work item %s: %w", id, common.ErrNotFound)
	}
	return items[0], nil
}

func (r *workItemRepo) queryItems(ctx context.Context, q querier, query string, args []any) ([]*entity.WorkItem, error) {
	rows := &entsql.Rows{}
	if err := q.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(rows *entsql.Rows) (*entity.WorkItem, error) {
	var (
		item                                   entity.WorkItem
		fields, workerID, result, raw, backend sql.NullString
		errMsg, notes                          sql.NullString
		status                                 string
		created, updated                       int64
	)
	if err := rows.Scan(
		&item.ID, &item.SourceLocator, &fields, &status, &workerID, &result, &raw,
		&backend, &errMsg, &notes, &item.AttemptCount, &item.NumTables, &item.NumRows, &created, &updated,
	); err != nil {
		return nil, err
	}
	item.Status = constants.ItemStatus(status)
	item.WorkerID = workerID.String
	item.Backend = backend.String
	item.Error = errMsg.String
	item.CreatedAt = time.Unix(0, created).UTC()
	item.UpdatedAt = time.Unix(0, updated).UTC()
	if raw.Valid {
		item.RawOutput = json.RawMessage(raw.String)
	}
	if fields.Valid {
		if err := json.Unmarshal([]byte(fields.String), &item.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", item.ID, err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &item.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", item.ID, err)
		}
	}
	if notes.Valid {
		if err := json.Unmarshal([]byte(notes.String), &item.Notes); err != nil {
			return nil, fmt.Errorf("decode notes of %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

// scanOne scans the first row into dest and reports whether a row existed.
func scanOne(ctx context.Context, q querier, query string, args []any, dest ...any) (bool, error) {
	rows := &entsql.Rows{}
	if err := q.Query(ctx, query, args, rows); err != nil {
		return false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	if err := rows.Scan(dest...); err != nil {
		return false, err
	}
	return true, nil
}

func scanStrings(ctx context.Context, q querier, query string, args []any) ([]string, error) {
	rows := &entsql.Rows{}
	if err := q.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func statusArgs(ss []constants.ItemStatus) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
