package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/talkmetrics/talkmetrics/internal/filter"
	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// minReportTime is the earliest opened/closed time accepted on
// the strict insert path. Older instants, including the zero
// time that legacy zero dates parse to, are rejected unless
// written through BackfillReports.
var minReportTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// InsertResult counts the outcome of a report insert batch.
type InsertResult struct {
	Inserted  int // new rows
	Conflicts int // rows already present for (conversation, opened_at)
	Rejected  int // rows with dates the strict path refuses
}

// ReportKey identifies one materialized conversation interval.
type ReportKey struct {
	ConversationID string
	OpenedAt       string // stored timestamp
}

// KeyOf returns the storage key of r.
func KeyOf(r *report.Record) ReportKey {
	return ReportKey{
		ConversationID: r.ConversationID,
		OpenedAt:       timeutil.Store(r.OpenedAt),
	}
}

const insertReportSQL = `INSERT INTO conversation_reports (
	account_id, conversation_id, department_id, visitor_id,
	widget_id, is_answered, is_missed, from_website, from_hub,
	user_ids, user_durations, in_queue_duration,
	answered_duration, total_duration, hub_provider,
	message_types, opened_at, answered_at, closed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id, opened_at) DO NOTHING`

func validReportDates(r *report.Record) bool {
	if r.OpenedAt.Before(minReportTime) || r.ClosedAt.Before(minReportTime) {
		return false
	}
	return r.AnsweredAt == nil || !r.AnsweredAt.Before(minReportTime)
}

// InsertReports inserts records that are not yet stored.
// Existing (conversation_id, opened_at) rows are left untouched,
// so concurrent or repeated runs never duplicate or overwrite.
func (db *DB) InsertReports(
	ctx context.Context, recs []report.Record,
) (InsertResult, error) {
	var res InsertResult
	err := db.UpdateContext(ctx, func(tx *sql.Tx) error {
		var valid []report.Record
		for i := range recs {
			if !validReportDates(&recs[i]) {
				res.Rejected++
				continue
			}
			valid = append(valid, recs[i])
		}
		n, err := insertReports(ctx, tx, valid)
		res.Inserted = n
		res.Conflicts = len(valid) - n
		return err
	})
	if err != nil {
		return InsertResult{}, err
	}
	return res, nil
}

// BackfillReports bulk-inserts records with legacy date checks
// relaxed, so rows carrying zero-date timestamps are kept as-is.
// Strict checking is restored on the connection before it is
// returned, whether or not the insert succeeds.
func (db *DB) BackfillReports(
	ctx context.Context, recs []report.Record,
) (res InsertResult, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	conn, err := db.writer.Conn(ctx)
	if err != nil {
		return InsertResult{}, fmt.Errorf("acquiring writer: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx,
		"PRAGMA ignore_check_constraints = ON",
	); err != nil {
		return InsertResult{}, fmt.Errorf("relaxing date checks: %w", err)
	}
	defer func() {
		if _, rerr := conn.ExecContext(
			context.Background(), "PRAGMA ignore_check_constraints = OFF",
		); rerr != nil && err == nil {
			err = fmt.Errorf("restoring date checks: %w", rerr)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := insertReports(ctx, tx, recs)
	if err != nil {
		return InsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("committing backfill: %w", err)
	}
	return InsertResult{Inserted: n, Conflicts: len(recs) - n}, nil
}

func insertReports(
	ctx context.Context, tx *sql.Tx, recs []report.Record,
) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, insertReportSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range recs {
		r := &recs[i]
		args, err := reportArgs(r)
		if err != nil {
			return inserted, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return inserted, fmt.Errorf(
				"inserting report for %s: %w", r.ConversationID, err,
			)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func reportArgs(r *report.Record) ([]any, error) {
	users := r.UserIDs
	if users == nil {
		users = []string{}
	}
	userIDs, err := json.Marshal(users)
	if err != nil {
		return nil, fmt.Errorf("encoding user ids: %w", err)
	}
	durations := r.UserDurations
	if durations == nil {
		durations = map[string]int64{}
	}
	userDur, err := json.Marshal(durations)
	if err != nil {
		return nil, fmt.Errorf("encoding user durations: %w", err)
	}
	types := r.MessageTypes
	if types == nil {
		types = []string{}
	}
	msgTypes, err := json.Marshal(types)
	if err != nil {
		return nil, fmt.Errorf("encoding message types: %w", err)
	}

	var answeredAt *string
	if r.AnsweredAt != nil {
		s := timeutil.Store(*r.AnsweredAt)
		answeredAt = &s
	}
	return []any{
		r.AccountID, r.ConversationID, r.DepartmentID, r.VisitorID,
		r.WidgetID, r.IsAnswered, r.IsMissed, r.FromWebsite, r.FromHub,
		string(userIDs), string(userDur), r.InQueueDuration,
		r.AnsweredDuration, r.TotalDuration, r.HubProvider,
		string(msgTypes), timeutil.Store(r.OpenedAt), answeredAt,
		timeutil.Store(r.ClosedAt),
	}, nil
}

// ReportOrder is a column reports can be listed by.
type ReportOrder string

const (
	OrderOpenedAt      ReportOrder = "opened_at"
	OrderClosedAt      ReportOrder = "closed_at"
	OrderTotalDuration ReportOrder = "total_duration"
	OrderInQueue       ReportOrder = "in_queue_duration"
)

func (o ReportOrder) valid() bool {
	switch o {
	case OrderOpenedAt, OrderClosedAt, OrderTotalDuration, OrderInQueue:
		return true
	}
	return false
}

// ReportQuery lists stored report records.
type ReportQuery struct {
	Where  filter.Predicate
	Order  ReportOrder // default OrderOpenedAt
	Desc   bool
	Limit  int // 0 = no limit
	Offset int
}

const reportColumns = `id, account_id, conversation_id, department_id,
	visitor_id, widget_id, is_answered, is_missed, from_website,
	from_hub, user_ids, user_durations, in_queue_duration,
	answered_duration, total_duration, hub_provider, message_types,
	opened_at, answered_at, closed_at`

// ListReports returns stored records matching q.
func (db *DB) ListReports(
	ctx context.Context, q ReportQuery,
) ([]report.Record, error) {
	order := q.Order
	if order == "" {
		order = OrderOpenedAt
	}
	if !order.valid() {
		return nil, fmt.Errorf("invalid report order %q", order)
	}
	where, args := "1 = 1", []any(nil)
	if q.Where != nil {
		where, args = q.Where.SQL()
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query := "SELECT " + reportColumns +
		" FROM conversation_reports WHERE " + where +
		" ORDER BY " + string(order) + " " + dir + ", id " + dir
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var out []report.Record
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}
	return out, nil
}

func scanReport(rows *sql.Rows) (report.Record, error) {
	var (
		r                          report.Record
		userIDs, userDur, msgTypes string
		opened, closed             string
		answeredAt                 sql.NullString
		answeredDur                sql.NullInt64
	)
	if err := rows.Scan(
		&r.ID, &r.AccountID, &r.ConversationID, &r.DepartmentID,
		&r.VisitorID, &r.WidgetID, &r.IsAnswered, &r.IsMissed,
		&r.FromWebsite, &r.FromHub, &userIDs, &userDur,
		&r.InQueueDuration, &answeredDur, &r.TotalDuration,
		&r.HubProvider, &msgTypes, &opened, &answeredAt, &closed,
	); err != nil {
		return report.Record{}, fmt.Errorf("scanning report: %w", err)
	}

	r.UserIDs = []string{}
	for _, v := range gjson.Parse(userIDs).Array() {
		r.UserIDs = append(r.UserIDs, v.String())
	}
	r.UserDurations = map[string]int64{}
	gjson.Parse(userDur).ForEach(func(k, v gjson.Result) bool {
		r.UserDurations[k.String()] = v.Int()
		return true
	})
	r.MessageTypes = []string{}
	for _, v := range gjson.Parse(msgTypes).Array() {
		r.MessageTypes = append(r.MessageTypes, v.String())
	}

	r.OpenedAt, _, _ = timeutil.Parse(opened)
	r.ClosedAt, _, _ = timeutil.Parse(closed)
	if answeredAt.Valid {
		t, _, _ := timeutil.Parse(answeredAt.String)
		r.AnsweredAt = &t
	}
	if answeredDur.Valid {
		d := answeredDur.Int64
		r.AnsweredDuration = &d
	}
	return r, nil
}

// ReportKeys returns the stored report keys of the given
// conversations.
func (db *DB) ReportKeys(
	ctx context.Context, convIDs []string,
) (map[ReportKey]bool, error) {
	out := make(map[ReportKey]bool)
	err := queryChunked(convIDs, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		rows, err := db.reader.QueryContext(ctx,
			`SELECT conversation_id, opened_at
			FROM conversation_reports WHERE conversation_id IN `+ph,
			args...)
		if err != nil {
			return fmt.Errorf("querying report keys: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k ReportKey
			if err := rows.Scan(&k.ConversationID, &k.OpenedAt); err != nil {
				return fmt.Errorf("scanning report key: %w", err)
			}
			out[k] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountReports counts stored records matching pred.
func (db *DB) CountReports(
	ctx context.Context, pred filter.Predicate,
) (int, error) {
	where, args := "1 = 1", []any(nil)
	if pred != nil {
		where, args = pred.SQL()
	}
	var n int
	err := db.reader.QueryRowContext(ctx,
		"SELECT count(*) FROM conversation_reports WHERE "+where,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return n, nil
}
