// Package report derives per-conversation report records from
// paired conversation and participant intervals.
package report

import (
	"sort"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/interval"
)

// Record is the denormalized report row for one closed
// conversation interval. Durations are whole seconds.
type Record struct {
	ID               int64            `json:"id"`
	AccountID        string           `json:"account_id"`
	ConversationID   string           `json:"conversation_id"`
	DepartmentID     string           `json:"department_id,omitempty"`
	VisitorID        string           `json:"visitor_id,omitempty"`
	WidgetID         string           `json:"widget_id,omitempty"`
	IsAnswered       bool             `json:"is_answered"`
	IsMissed         bool             `json:"is_missed"`
	FromWebsite      bool             `json:"from_website"`
	FromHub          bool             `json:"from_hub"`
	UserIDs          []string         `json:"user_ids"`
	UserDurations    map[string]int64 `json:"user_durations"`
	InQueueDuration  int64            `json:"in_queue_duration"`
	AnsweredDuration *int64           `json:"answered_duration"`
	TotalDuration    int64            `json:"total_duration"`
	HubProvider      string           `json:"hub_provider,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	AnsweredAt       *time.Time       `json:"answered_at"`
	ClosedAt         time.Time        `json:"closed_at"`
	MessageTypes     []string         `json:"message_types"`
}

// HasUser reports whether id participated in the conversation.
func (r *Record) HasUser(id string) bool {
	for _, u := range r.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}

// HasMessageType reports whether the conversation carried
// messages of type t.
func (r *Record) HasMessageType(t string) bool {
	for _, m := range r.MessageTypes {
		if m == t {
			return true
		}
	}
	return false
}

// Meta is the conversation metadata copied onto each record.
type Meta struct {
	AccountID    string
	DepartmentID string
	VisitorID    string
	WidgetID     string
	HubProvider  string
	MessageTypes []string
}

// Review is a visitor rating attached to a conversation.
type Review struct {
	ConversationID string
	AccountID      string
	Score          int
	CreatedAt      time.Time
}

// Satisfied reports whether the score counts as a positive
// rating.
func (r Review) Satisfied() bool { return r.Score > 3 }

// Build derives a record from a closed conversation interval and
// its participant spans, already clipped to it. ok is false for
// open conversations, which are not reportable yet.
func Build(
	conv interval.Interval,
	participants []interval.NestedInterval,
	meta Meta,
) (rec Record, ok bool) {
	if conv.Open {
		return Record{}, false
	}

	rec = Record{
		AccountID:      meta.AccountID,
		ConversationID: conv.EntityID,
		DepartmentID:   meta.DepartmentID,
		VisitorID:      meta.VisitorID,
		WidgetID:       meta.WidgetID,
		HubProvider:    meta.HubProvider,
		FromHub:        meta.HubProvider != "",
		FromWebsite:    meta.HubProvider == "",
		OpenedAt:       conv.Start,
		ClosedAt:       conv.End,
		TotalDuration:  seconds(conv.End.Sub(conv.Start)),
		UserDurations:  map[string]int64{},
		UserIDs:        []string{},
		MessageTypes:   append([]string{}, meta.MessageTypes...),
	}
	sort.Strings(rec.MessageTypes)

	var answeredAt time.Time
	for _, p := range participants {
		user := p.SecondaryKey
		if _, seen := rec.UserDurations[user]; !seen {
			rec.UserIDs = append(rec.UserIDs, user)
		}
		rec.UserDurations[user] += seconds(p.Duration())
		if answeredAt.IsZero() || p.Start.Before(answeredAt) {
			answeredAt = p.Start
		}
	}
	sort.Strings(rec.UserIDs)

	rec.IsAnswered = len(participants) > 0
	rec.IsMissed = !rec.IsAnswered
	if rec.IsAnswered {
		a := answeredAt
		rec.AnsweredAt = &a
		d := seconds(conv.End.Sub(a))
		rec.AnsweredDuration = &d
		rec.InQueueDuration = seconds(a.Sub(conv.Start))
	} else {
		rec.InQueueDuration = rec.TotalDuration
	}
	return rec, true
}

// BuildFromEvents pairs raw conversation and participant events
// and builds one record per closed conversation interval.
// Participant spans are matched to a conversation interval when
// they start inside it. Conversations without metadata are built
// with empty metadata. Records are ordered by conversation id,
// then opened time.
func BuildFromEvents(
	convEvents, joinEvents []interval.Event,
	meta map[string]Meta,
	window *interval.Window,
) []Record {
	convs := interval.Pair(convEvents, interval.ConversationStream, window)
	joins := interval.GroupByEntity(
		interval.Pair(joinEvents, interval.ParticipantStream, nil),
	)

	var out []Record
	for _, conv := range convs {
		if conv.Open {
			continue
		}
		nested := interval.Clip(
			conv, joins[conv.EntityID],
			interval.ClipOptions{StartWithin: true},
		)
		if rec, ok := Build(conv, nested, meta[conv.EntityID]); ok {
			out = append(out, rec)
		}
	}
	return out
}

// seconds truncates d to whole seconds.
func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
