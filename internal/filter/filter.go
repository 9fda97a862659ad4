// Package filter validates report query filters against the
// caller's account and composes them into predicates that run
// either as SQL or in memory.
package filter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

var (
	// ErrForbidden is returned when a filter names a user or
	// department outside the caller's account.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidType is returned for an unknown conversation type.
	ErrInvalidType = errors.New("invalid conversation type")
	// ErrInvalidDate is returned for dates that are not
	// YYYY-MM-DD or an inverted range.
	ErrInvalidDate = errors.New("invalid date")
)

// Conversation type tags accepted by the types filter.
const (
	TypeAudio     = "audio"
	TypeText      = "text"
	TypeWebsite   = "website"
	TypeHub       = "hub"
	TypeMessenger = "messenger"
	TypeViber     = "viber"
	TypeTelegram  = "telegram"
	TypeWhatsApp  = "whatsapp"
)

// AudioMessageType is the stored message type for audio calls.
const AudioMessageType = "audio_call"

var (
	genericTypes  = []string{TypeAudio, TypeText}
	providerTypes = []string{TypeMessenger, TypeViber, TypeTelegram, TypeWhatsApp}
	allowedTypes  = append(
		append([]string{TypeWebsite, TypeHub}, genericTypes...),
		providerTypes...,
	)
)

// Scope is the authenticated caller. Every query is confined to
// AccountID.
type Scope struct {
	AccountID string
	UserID    string
	Location  *time.Location
}

// Loc returns the account time zone, defaulting to UTC.
func (s Scope) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Filter is the caller-supplied restriction for a report query.
type Filter struct {
	From          string // YYYY-MM-DD, inclusive, account time zone
	To            string // YYYY-MM-DD, inclusive
	Types         []string
	Users         []string
	Departments   []string
	Conversations []string
}

// UserIDs returns the requested user ids, for partition
// selection on per-user event streams.
func (f Filter) UserIDs() []string {
	return f.Users
}

// SingleUser reports whether the filter targets exactly one user.
func (f Filter) SingleUser() bool {
	return len(f.Users) == 1
}

// Bounds returns the instants covering From 00:00 through To
// 23:59:59.999999999 in loc. Either bound is zero when unset.
func (f Filter) Bounds(loc *time.Location) (from, to time.Time, err error) {
	if f.From != "" {
		d, perr := time.ParseInLocation(timeutil.DateLayout, f.From, loc)
		if perr != nil {
			return from, to, fmt.Errorf("%w: from %q", ErrInvalidDate, f.From)
		}
		from = d
	}
	if f.To != "" {
		d, perr := time.ParseInLocation(timeutil.DateLayout, f.To, loc)
		if perr != nil {
			return from, to, fmt.Errorf("%w: to %q", ErrInvalidDate, f.To)
		}
		to = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("%w: from must not be after to", ErrInvalidDate)
	}
	return from, to, nil
}

// Window returns the interval window matching the date bounds,
// or nil when the filter has none.
func (f Filter) Window(loc *time.Location) (*interval.Window, error) {
	from, to, err := f.Bounds(loc)
	if err != nil {
		return nil, err
	}
	if from.IsZero() && to.IsZero() {
		return nil, nil
	}
	return &interval.Window{From: from, To: to}, nil
}

// Roster answers which ids belong to an account.
type Roster interface {
	KnownUsers(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	KnownDepartments(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
}

// Compose validates f for scope and returns the conjunction of
// its restrictions, always led by the account scope. Users and
// departments outside the account fail with ErrForbidden before
// any report data is read.
func Compose(
	ctx context.Context, scope Scope, f Filter, roster Roster,
) (Predicate, error) {
	preds := And{AccountScope{AccountID: scope.AccountID}}

	from, to, err := f.Bounds(scope.Loc())
	if err != nil {
		return nil, err
	}
	if !from.IsZero() || !to.IsZero() {
		if to.IsZero() {
			to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		}
		preds = append(preds, DateRange{From: from, To: to})
	}

	types, err := ReconcileTypes(f.Types)
	if err != nil {
		return nil, err
	}
	if tp := typePredicate(types); tp != nil {
		preds = append(preds, tp)
	}

	if len(f.Users) > 0 {
		if err := verify(ctx, roster.KnownUsers, scope.AccountID, "user", f.Users); err != nil {
			return nil, err
		}
		preds = append(preds, Users{IDs: dedupe(f.Users)})
	}
	if len(f.Departments) > 0 {
		if err := verify(ctx, roster.KnownDepartments, scope.AccountID, "department", f.Departments); err != nil {
			return nil, err
		}
		preds = append(preds, Departments{IDs: dedupe(f.Departments)})
	}
	if len(f.Conversations) > 0 {
		preds = append(preds, Conversations{IDs: dedupe(f.Conversations)})
	}
	return preds, nil
}

func verify(
	ctx context.Context,
	lookup func(context.Context, string, []string) (map[string]bool, error),
	accountID, kind string, ids []string,
) error {
	known, err := lookup(ctx, accountID, ids)
	if err != nil {
		return fmt.Errorf("verifying %s ids: %w", kind, err)
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: %s %s", ErrForbidden, kind, id)
		}
	}
	return nil
}

// ReconcileTypes validates requested type tags and removes
// generic tags made redundant by the rest of the request:
// asking for every generic tag covers all channels, and a
// specific channel tag takes precedence over a generic one.
func ReconcileTypes(types []string) ([]string, error) {
	types = dedupe(types)
	for _, t := range types {
		if !slices.Contains(allowedTypes, t) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
		}
	}

	allGeneric := true
	for _, g := range genericTypes {
		if !slices.Contains(types, g) {
			allGeneric = false
		}
	}
	hasSpecific := slices.ContainsFunc(types, func(t string) bool {
		return !slices.Contains(genericTypes, t)
	})
	if !allGeneric && !hasSpecific {
		return types, nil
	}
	out := types[:0:0]
	for _, t := range types {
		if !slices.Contains(genericTypes, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// typePredicate ORs the clauses for reconciled type tags, or
// returns nil when no type restriction applies.
func typePredicate(types []string) Predicate {
	if len(types) == 0 {
		return nil
	}
	var clauses Or
	var providers []string
	for _, t := range types {
		switch t {
		case TypeAudio:
			clauses = append(clauses, MessageType{Type: AudioMessageType})
		case TypeText:
			clauses = append(clauses, MessageType{Type: TypeText})
		case TypeWebsite:
			clauses = append(clauses, FromWebsite{})
		case TypeHub:
			clauses = append(clauses, FromHub{})
		default:
			providers = append(providers, t)
		}
	}
	if len(providers) > 0 {
		clauses = append(clauses, HubProviders{Providers: providers})
	}
	return clauses
}

func dedupe(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
