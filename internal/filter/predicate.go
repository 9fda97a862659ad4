package filter

import (
	"strings"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// Predicate is one composable restriction over report records.
// SQL renders it against the conversation_reports table and
// Match evaluates it in memory; both must agree.
type Predicate interface {
	SQL() (string, []any)
	Match(r *report.Record) bool
}

// inPlaceholders returns a "(?,?,...)" string and []any args for
// a slice of string values.
func inPlaceholders(vals []string) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		args[i] = v
	}
	return "(" + strings.Join(ph, ",") + ")", args
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// AccountScope restricts records to one account.
type AccountScope struct{ AccountID string }

func (p AccountScope) SQL() (string, []any) {
	return "account_id = ?", []any{p.AccountID}
}

func (p AccountScope) Match(r *report.Record) bool {
	return r.AccountID == p.AccountID
}

// DateRange keeps records opened within [From, To].
type DateRange struct{ From, To time.Time }

func (p DateRange) SQL() (string, []any) {
	return "opened_at >= ? AND opened_at <= ?", []any{
		timeutil.Store(p.From), timeutil.Store(p.To),
	}
}

func (p DateRange) Match(r *report.Record) bool {
	return !r.OpenedAt.Before(p.From) && !r.OpenedAt.After(p.To)
}

// Users keeps records where any participant is in IDs.
type Users struct{ IDs []string }

func (p Users) SQL() (string, []any) {
	ph, args := inPlaceholders(p.IDs)
	return "EXISTS (SELECT 1 FROM json_each(user_ids) WHERE json_each.value IN " +
		ph + ")", args
}

func (p Users) Match(r *report.Record) bool {
	for _, id := range p.IDs {
		if r.HasUser(id) {
			return true
		}
	}
	return false
}

// Departments keeps records routed to one of IDs.
type Departments struct{ IDs []string }

func (p Departments) SQL() (string, []any) {
	ph, args := inPlaceholders(p.IDs)
	return "department_id IN " + ph, args
}

func (p Departments) Match(r *report.Record) bool {
	return contains(p.IDs, r.DepartmentID)
}

// Conversations keeps records of the listed conversations.
type Conversations struct{ IDs []string }

func (p Conversations) SQL() (string, []any) {
	ph, args := inPlaceholders(p.IDs)
	return "conversation_id IN " + ph, args
}

func (p Conversations) Match(r *report.Record) bool {
	return contains(p.IDs, r.ConversationID)
}

// MessageType keeps records that carried a message type.
type MessageType struct{ Type string }

func (p MessageType) SQL() (string, []any) {
	return "EXISTS (SELECT 1 FROM json_each(message_types) WHERE json_each.value = ?)",
		[]any{p.Type}
}

func (p MessageType) Match(r *report.Record) bool {
	return r.HasMessageType(p.Type)
}

// HubProviders keeps records that arrived through one of the
// listed social hub providers.
type HubProviders struct{ Providers []string }

func (p HubProviders) SQL() (string, []any) {
	ph, args := inPlaceholders(p.Providers)
	return "hub_provider IN " + ph, args
}

func (p HubProviders) Match(r *report.Record) bool {
	return contains(p.Providers, r.HubProvider)
}

// FromWebsite keeps records opened from the website widget.
type FromWebsite struct{}

func (FromWebsite) SQL() (string, []any)         { return "from_website = 1", nil }
func (FromWebsite) Match(r *report.Record) bool { return r.FromWebsite }

// FromHub keeps records opened through any social hub.
type FromHub struct{}

func (FromHub) SQL() (string, []any)         { return "from_hub = 1", nil }
func (FromHub) Match(r *report.Record) bool { return r.FromHub }

// And matches when every predicate matches. An empty And
// matches everything.
type And []Predicate

func (a And) SQL() (string, []any) {
	return join(a, " AND ", "1 = 1")
}

func (a And) Match(r *report.Record) bool {
	for _, p := range a {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// Or matches when any predicate matches. An empty Or matches
// nothing.
type Or []Predicate

func (o Or) SQL() (string, []any) {
	return join(o, " OR ", "1 = 0")
}

func (o Or) Match(r *report.Record) bool {
	for _, p := range o {
		if p.Match(r) {
			return true
		}
	}
	return false
}

func join(preds []Predicate, sep, empty string) (string, []any) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		sql, a := p.SQL()
		parts = append(parts, "("+sql+")")
		args = append(args, a...)
	}
	return strings.Join(parts, sep), args
}
