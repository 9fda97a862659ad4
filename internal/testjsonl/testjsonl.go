// Package testjsonl provides shared JSONL fixture builders for
// event import test data. Used by the ingest and cmd test
// packages.
package testjsonl

import (
	"encoding/json"
	"strings"
)

// AccountJSON returns an account line.
func AccountJSON(id, timezone string) string {
	m := map[string]any{"kind": "account", "id": id}
	if timezone != "" {
		m["timezone"] = timezone
	}
	return mustMarshal(m)
}

// DepartmentJSON returns a department line.
func DepartmentJSON(id, accountID, name string) string {
	return mustMarshal(map[string]any{
		"kind":       "department",
		"id":         id,
		"account_id": accountID,
		"name":       name,
	})
}

// UserJSON returns a user line with optional department
// memberships.
func UserJSON(id, accountID, name string, departments ...string) string {
	m := map[string]any{
		"kind":       "user",
		"id":         id,
		"account_id": accountID,
		"name":       name,
	}
	if len(departments) > 0 {
		m["departments"] = departments
	}
	return mustMarshal(m)
}

// ConversationJSON returns a conversation metadata line. attrs
// may be nil.
func ConversationJSON(
	id, accountID, departmentID, visitorID string, attrs map[string]any,
) string {
	m := map[string]any{
		"kind":          "conversation",
		"id":            id,
		"account_id":    accountID,
		"department_id": departmentID,
		"visitor_id":    visitorID,
	}
	if attrs != nil {
		m["attributes"] = attrs
	}
	return mustMarshal(m)
}

// ConversationEventJSON returns a conversation event line.
// userID is set as the user_id attribute when non-empty.
func ConversationEventJSON(
	conversationID, event, timestamp, userID string,
) string {
	m := map[string]any{
		"kind":            "conversation_event",
		"conversation_id": conversationID,
		"event":           event,
		"created_at":      timestamp,
	}
	if userID != "" {
		m["attributes"] = map[string]any{"user_id": userID}
	}
	return mustMarshal(m)
}

// UserEventJSON returns a presence event line.
func UserEventJSON(userID, event, timestamp string) string {
	return mustMarshal(map[string]any{
		"kind":       "user_event",
		"user_id":    userID,
		"event":      event,
		"created_at": timestamp,
	})
}

// MessageTypeJSON returns a message type line.
func MessageTypeJSON(conversationID, typ string) string {
	return mustMarshal(map[string]any{
		"kind":            "message_type",
		"conversation_id": conversationID,
		"type":            typ,
	})
}

// ReviewJSON returns a review line.
func ReviewJSON(conversationID, accountID string, score int, timestamp string) string {
	return mustMarshal(map[string]any{
		"kind":            "review",
		"conversation_id": conversationID,
		"account_id":      accountID,
		"score":           score,
		"created_at":      timestamp,
	})
}

// JoinJSONL joins JSON lines with newlines and appends a
// trailing newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// EventBuilder constructs JSONL event file content using a
// fluent API.
type EventBuilder struct {
	lines []string
}

// NewEventBuilder returns a new empty EventBuilder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

// AddAccount appends an account line.
func (b *EventBuilder) AddAccount(id, timezone string) *EventBuilder {
	b.lines = append(b.lines, AccountJSON(id, timezone))
	return b
}

// AddDepartment appends a department line.
func (b *EventBuilder) AddDepartment(id, accountID, name string) *EventBuilder {
	b.lines = append(b.lines, DepartmentJSON(id, accountID, name))
	return b
}

// AddUser appends a user line.
func (b *EventBuilder) AddUser(
	id, accountID, name string, departments ...string,
) *EventBuilder {
	b.lines = append(b.lines, UserJSON(id, accountID, name, departments...))
	return b
}

// AddConversation appends a conversation line.
func (b *EventBuilder) AddConversation(
	id, accountID, departmentID, visitorID string, attrs map[string]any,
) *EventBuilder {
	b.lines = append(b.lines,
		ConversationJSON(id, accountID, departmentID, visitorID, attrs))
	return b
}

// AddOpen appends an open event.
func (b *EventBuilder) AddOpen(conversationID, timestamp string) *EventBuilder {
	b.lines = append(b.lines,
		ConversationEventJSON(conversationID, "open", timestamp, ""))
	return b
}

// AddClose appends a close event.
func (b *EventBuilder) AddClose(conversationID, timestamp string) *EventBuilder {
	b.lines = append(b.lines,
		ConversationEventJSON(conversationID, "close", timestamp, ""))
	return b
}

// AddJoin appends a join event for userID.
func (b *EventBuilder) AddJoin(
	conversationID, userID, timestamp string,
) *EventBuilder {
	b.lines = append(b.lines,
		ConversationEventJSON(conversationID, "join", timestamp, userID))
	return b
}

// AddLeave appends a leave event for userID.
func (b *EventBuilder) AddLeave(
	conversationID, userID, timestamp string,
) *EventBuilder {
	b.lines = append(b.lines,
		ConversationEventJSON(conversationID, "leave", timestamp, userID))
	return b
}

// AddUserEvent appends a presence event.
func (b *EventBuilder) AddUserEvent(userID, event, timestamp string) *EventBuilder {
	b.lines = append(b.lines, UserEventJSON(userID, event, timestamp))
	return b
}

// AddMessageType appends a message type line.
func (b *EventBuilder) AddMessageType(conversationID, typ string) *EventBuilder {
	b.lines = append(b.lines, MessageTypeJSON(conversationID, typ))
	return b
}

// AddReview appends a review line.
func (b *EventBuilder) AddReview(
	conversationID, accountID string, score int, timestamp string,
) *EventBuilder {
	b.lines = append(b.lines,
		ReviewJSON(conversationID, accountID, score, timestamp))
	return b
}

// AddRaw appends an arbitrary raw line.
func (b *EventBuilder) AddRaw(line string) *EventBuilder {
	b.lines = append(b.lines, line)
	return b
}

// String returns the JSONL content with a trailing newline.
func (b *EventBuilder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// StringNoTrailingNewline returns the JSONL content without a
// trailing newline.
func (b *EventBuilder) StringNoTrailingNewline() string {
	return strings.Join(b.lines, "\n")
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
