package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// Conversation is the metadata row for a conversation. Attributes
// is the raw JSON document recorded when it was opened.
type Conversation struct {
	ID           string
	AccountID    string
	DepartmentID string
	VisitorID    string
	Attributes   string
}

// MessageType records that a conversation carried a kind of
// message, such as text or audio_call.
type MessageType struct {
	ConversationID string
	Type           string
}

// Attribute paths read from conversation attributes.
const (
	attrWidgetID    = "widget_id"
	attrHubProvider = "social_hub.provider.name"
)

// UpsertConversation inserts or updates conversation metadata.
func (db *DB) UpsertConversation(ctx context.Context, c Conversation) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return upsertConversation(ctx, tx, c)
	})
}

// AddMessageType records a message type for a conversation.
func (db *DB) AddMessageType(ctx context.Context, m MessageType) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return addMessageType(ctx, tx, m)
	})
}

// UpsertReview stores a conversation's review, replacing any
// earlier one.
func (db *DB) UpsertReview(ctx context.Context, r report.Review) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		return upsertReview(ctx, tx, r)
	})
}

func upsertConversation(ctx context.Context, tx *sql.Tx, c Conversation) error {
	attrs := c.Attributes
	if attrs == "" {
		attrs = "{}"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO conversations
		(id, account_id, department_id, visitor_id, attributes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			department_id = excluded.department_id,
			visitor_id = excluded.visitor_id,
			attributes = excluded.attributes`,
		c.ID, c.AccountID, c.DepartmentID, c.VisitorID, attrs)
	if err != nil {
		return fmt.Errorf("upserting conversation %s: %w", c.ID, err)
	}
	return nil
}

func addMessageType(ctx context.Context, tx *sql.Tx, m MessageType) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_message_types
		(conversation_id, type) VALUES (?, ?)`,
		m.ConversationID, m.Type)
	if err != nil {
		return fmt.Errorf(
			"adding message type to %s: %w", m.ConversationID, err,
		)
	}
	return nil
}

func upsertReview(ctx context.Context, tx *sql.Tx, r report.Review) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_reviews
		(conversation_id, account_id, score, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			score = excluded.score,
			created_at = excluded.created_at`,
		r.ConversationID, r.AccountID, r.Score,
		timeutil.Store(r.CreatedAt))
	if err != nil {
		return fmt.Errorf(
			"upserting review for %s: %w", r.ConversationID, err,
		)
	}
	return nil
}

// ConversationMeta returns report metadata for the given
// conversations, keyed by id. Unknown ids are absent.
func (db *DB) ConversationMeta(
	ctx context.Context, ids []string,
) (map[string]report.Meta, error) {
	out := make(map[string]report.Meta, len(ids))
	err := queryChunked(ids, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		rows, err := db.reader.QueryContext(ctx,
			`SELECT c.id, c.account_id, c.department_id,
				c.visitor_id, c.attributes,
				COALESCE((SELECT group_concat(type, ',')
					FROM conversation_message_types
					WHERE conversation_id = c.id), '')
			FROM conversations c WHERE c.id IN `+ph, args...)
		if err != nil {
			return fmt.Errorf("querying conversation meta: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id, attrs, types string
			var m report.Meta
			if err := rows.Scan(
				&id, &m.AccountID, &m.DepartmentID,
				&m.VisitorID, &attrs, &types,
			); err != nil {
				return fmt.Errorf("scanning conversation meta: %w", err)
			}
			m.WidgetID = gjson.Get(attrs, attrWidgetID).String()
			m.HubProvider = gjson.Get(attrs, attrHubProvider).String()
			m.MessageTypes = splitList(types)
			out[id] = m
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reviews returns the account's reviews for the given
// conversations, keyed by conversation id.
func (db *DB) Reviews(
	ctx context.Context, accountID string, convIDs []string,
) (map[string]report.Review, error) {
	out := make(map[string]report.Review)
	err := queryChunked(convIDs, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		rows, err := db.reader.QueryContext(ctx,
			`SELECT conversation_id, account_id, score, created_at
			FROM conversation_reviews
			WHERE account_id = ? AND conversation_id IN `+ph,
			append([]any{accountID}, args...)...)
		if err != nil {
			return fmt.Errorf("querying reviews: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r report.Review
			var ts string
			if err := rows.Scan(
				&r.ConversationID, &r.AccountID, &r.Score, &ts,
			); err != nil {
				return fmt.Errorf("scanning review: %w", err)
			}
			r.CreatedAt, _, _ = timeutil.Parse(ts)
			out[r.ConversationID] = r
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// splitList splits a group_concat result, dropping empties.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
}
