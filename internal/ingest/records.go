package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// Line kinds carried in the "kind" field of each JSONL line.
const (
	KindAccount           = "account"
	KindDepartment        = "department"
	KindUser              = "user"
	KindConversation      = "conversation"
	KindConversationEvent = "conversation_event"
	KindUserEvent         = "user_event"
	KindMessageType       = "message_type"
	KindReview            = "review"
)

var (
	errMalformed   = errors.New("malformed line")
	errUnknownKind = errors.New("unknown line kind")
)

// batch accumulates parsed lines until the next commit.
type batch struct {
	db.ImportBatch
	lines         int
	conversations map[string]bool
}

func (b *batch) reset() {
	b.ImportBatch = db.ImportBatch{}
	b.lines = 0
}

// parseLine decodes one JSONL line into b.
func parseLine(text string, b *batch) error {
	if !gjson.Valid(text) {
		return errMalformed
	}
	r := gjson.Parse(text)
	if !r.IsObject() {
		return errMalformed
	}
	str := func(path string) string { return strings.TrimSpace(r.Get(path).String()) }
	require := func(paths ...string) error {
		for _, p := range paths {
			if str(p) == "" {
				return fmt.Errorf("%w: missing %s", errMalformed, p)
			}
		}
		return nil
	}

	kind := str("kind")
	switch kind {
	case KindAccount:
		if err := require("id"); err != nil {
			return err
		}
		b.Accounts = append(b.Accounts, db.Account{
			ID: str("id"), Timezone: str("timezone"),
		})

	case KindDepartment:
		if err := require("id", "account_id"); err != nil {
			return err
		}
		b.Departments = append(b.Departments, db.Department{
			ID: str("id"), AccountID: str("account_id"), Name: str("name"),
		})

	case KindUser:
		if err := require("id", "account_id"); err != nil {
			return err
		}
		u := db.User{
			ID: str("id"), AccountID: str("account_id"), Name: str("name"),
		}
		for _, d := range r.Get("departments").Array() {
			if s := d.String(); s != "" {
				u.Departments = append(u.Departments, s)
			}
		}
		b.Users = append(b.Users, u)

	case KindConversation:
		if err := require("id", "account_id"); err != nil {
			return err
		}
		b.Conversations = append(b.Conversations, db.Conversation{
			ID:           str("id"),
			AccountID:    str("account_id"),
			DepartmentID: str("department_id"),
			VisitorID:    str("visitor_id"),
			Attributes:   rawObject(r.Get("attributes")),
		})

	case KindConversationEvent:
		if err := require("conversation_id", "event"); err != nil {
			return err
		}
		at, err := eventTimestamp(str("created_at"))
		if err != nil {
			return err
		}
		id := str("conversation_id")
		b.ConversationEvents = append(b.ConversationEvents, db.ConversationEvent{
			ConversationID: id,
			Event:          str("event"),
			CreatedAt:      at,
			Attributes:     rawObject(r.Get("attributes")),
		})
		b.conversations[id] = true

	case KindUserEvent:
		if err := require("user_id", "event"); err != nil {
			return err
		}
		at, err := eventTimestamp(str("created_at"))
		if err != nil {
			return err
		}
		b.UserEvents = append(b.UserEvents, db.UserEvent{
			UserID: str("user_id"), Event: str("event"), CreatedAt: at,
		})

	case KindMessageType:
		if err := require("conversation_id", "type"); err != nil {
			return err
		}
		b.MessageTypes = append(b.MessageTypes, db.MessageType{
			ConversationID: str("conversation_id"), Type: str("type"),
		})

	case KindReview:
		if err := require("conversation_id", "account_id"); err != nil {
			return err
		}
		score := r.Get("score")
		if score.Type != gjson.Number {
			return fmt.Errorf("%w: score is not a number", errMalformed)
		}
		at, legacy, ok := timeutil.Parse(str("created_at"))
		if !ok || legacy {
			at = time.Time{}
		}
		b.Reviews = append(b.Reviews, report.Review{
			ConversationID: str("conversation_id"),
			AccountID:      str("account_id"),
			Score:          int(score.Int()),
			CreatedAt:      at,
		})

	case "":
		return fmt.Errorf("%w: missing kind", errMalformed)
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, kind)
	}
	b.lines++
	return nil
}

// eventTimestamp normalizes an event time to the stored layout.
// Legacy zero dates are kept verbatim so that only a backfill
// picks them up.
func eventTimestamp(s string) (string, error) {
	t, legacy, ok := timeutil.Parse(s)
	switch {
	case !ok:
		return "", fmt.Errorf("%w: bad created_at %q", errMalformed, s)
	case legacy:
		return s, nil
	default:
		return timeutil.Store(t), nil
	}
}

func rawObject(r gjson.Result) string {
	if !r.IsObject() {
		return "{}"
	}
	return r.Raw
}
