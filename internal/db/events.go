package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// ConversationEvent is one row of the conversation event log.
// CreatedAt is a stored timestamp string; Attributes is JSON.
type ConversationEvent struct {
	ID             int64
	ConversationID string
	Event          string
	CreatedAt      string
	Attributes     string
}

// UserEvent is one row of the user presence event log.
type UserEvent struct {
	ID        int64
	UserID    string
	Event     string
	CreatedAt string
}

// EventQuery selects events from either log.
type EventQuery struct {
	AccountID       string   // "" = every account
	ConversationIDs []string // conversation log only
	UserIDs         []string // user log only
	Types           []string
	From            time.Time // inclusive; zero = unbounded
	To              time.Time // inclusive; zero = unbounded
	// IncludeLegacy keeps events whose timestamp has zero date
	// parts. They pair at the zero time.
	IncludeLegacy bool
}

func (q EventQuery) where(
	idCol string, ids []string, accountSQL string,
) (string, []any) {
	preds := []string{"1 = 1"}
	var args []any
	if q.AccountID != "" {
		preds = append(preds, idCol+" IN ("+accountSQL+")")
		args = append(args, q.AccountID)
	}
	if len(ids) > 0 {
		ph, a := inPlaceholders(ids)
		preds = append(preds, idCol+" IN "+ph)
		args = append(args, a...)
	}
	if len(q.Types) > 0 {
		ph, a := inPlaceholders(q.Types)
		preds = append(preds, "event IN "+ph)
		args = append(args, a...)
	}
	if !q.From.IsZero() {
		preds = append(preds, "created_at >= ?")
		args = append(args, timeutil.Store(q.From))
	}
	if !q.To.IsZero() {
		preds = append(preds, "created_at <= ?")
		args = append(args, timeutil.Store(q.To))
	}
	return strings.Join(preds, " AND "), args
}

// ConversationEvents loads conversation events as pairing input.
// Join and leave events carry the participant's user id, read
// from attributes, as the secondary key; those without one are
// skipped.
func (db *DB) ConversationEvents(
	ctx context.Context, q EventQuery,
) ([]interval.Event, error) {
	var out []interval.Event
	load := func(ids []string) error {
		where, args := q.where(
			"conversation_id", ids,
			"SELECT id FROM conversations WHERE account_id = ?",
		)
		rows, err := db.reader.QueryContext(ctx,
			`SELECT id, conversation_id, event, created_at, attributes
			FROM conversation_events WHERE `+where+`
			ORDER BY conversation_id, created_at, id`, args...)
		if err != nil {
			return fmt.Errorf("querying conversation events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e ConversationEvent
			if err := rows.Scan(
				&e.ID, &e.ConversationID, &e.Event,
				&e.CreatedAt, &e.Attributes,
			); err != nil {
				return fmt.Errorf("scanning conversation event: %w", err)
			}
			at, ok := eventTime(e.CreatedAt, q.IncludeLegacy)
			if !ok {
				continue
			}
			ev := interval.Event{
				EntityID: e.ConversationID,
				Type:     e.Event,
				At:       at,
				Seq:      e.ID,
			}
			if e.Event == interval.ParticipantStream.Start ||
				e.Event == interval.ParticipantStream.End {
				user := gjson.Get(e.Attributes, "user_id")
				if !user.Exists() || user.String() == "" {
					continue
				}
				ev.SecondaryKey = user.String()
			}
			out = append(out, ev)
		}
		return rows.Err()
	}

	if len(q.ConversationIDs) == 0 {
		return out, load(nil)
	}
	if err := queryChunked(q.ConversationIDs, load); err != nil {
		return nil, err
	}
	return out, nil
}

// UserEvents loads presence events keyed by user id.
func (db *DB) UserEvents(
	ctx context.Context, q EventQuery,
) ([]interval.Event, error) {
	var out []interval.Event
	load := func(ids []string) error {
		where, args := q.where(
			"user_id", ids,
			"SELECT id FROM users WHERE account_id = ?",
		)
		rows, err := db.reader.QueryContext(ctx,
			`SELECT id, user_id, event, created_at
			FROM user_events WHERE `+where+`
			ORDER BY user_id, created_at, id`, args...)
		if err != nil {
			return fmt.Errorf("querying user events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e UserEvent
			if err := rows.Scan(
				&e.ID, &e.UserID, &e.Event, &e.CreatedAt,
			); err != nil {
				return fmt.Errorf("scanning user event: %w", err)
			}
			at, ok := eventTime(e.CreatedAt, q.IncludeLegacy)
			if !ok {
				continue
			}
			out = append(out, interval.Event{
				EntityID: e.UserID,
				Type:     e.Event,
				At:       at,
				Seq:      e.ID,
			})
		}
		return rows.Err()
	}

	if len(q.UserIDs) == 0 {
		return out, load(nil)
	}
	if err := queryChunked(q.UserIDs, load); err != nil {
		return nil, err
	}
	return out, nil
}

func eventTime(ts string, includeLegacy bool) (time.Time, bool) {
	t, legacy, ok := timeutil.Parse(ts)
	if !ok || (legacy && !includeLegacy) {
		return time.Time{}, false
	}
	return t, true
}

// InsertConversationEvents appends events to the conversation
// log.
func (db *DB) InsertConversationEvents(
	ctx context.Context, events []ConversationEvent,
) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return insertConversationEvents(ctx, tx, events)
	})
}

// InsertUserEvents appends events to the presence log.
func (db *DB) InsertUserEvents(
	ctx context.Context, events []UserEvent,
) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return insertUserEvents(ctx, tx, events)
	})
}

func insertConversationEvents(
	ctx context.Context, tx *sql.Tx, events []ConversationEvent,
) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO conversation_events
		(conversation_id, event, created_at, attributes)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		attrs := e.Attributes
		if attrs == "" {
			attrs = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			e.ConversationID, e.Event, e.CreatedAt, attrs,
		); err != nil {
			return fmt.Errorf(
				"inserting event for %s: %w", e.ConversationID, err,
			)
		}
	}
	return nil
}

func insertUserEvents(
	ctx context.Context, tx *sql.Tx, events []UserEvent,
) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO user_events (user_id, event, created_at)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.UserID, e.Event, e.CreatedAt,
		); err != nil {
			return fmt.Errorf(
				"inserting event for user %s: %w", e.UserID, err,
			)
		}
	}
	return nil
}
