// Package interval turns ordered start/end event logs into
// time intervals and clips nested intervals to their parents.
package interval

import (
	"sort"
	"time"
)

// Stream names the pair of event types that open and close an
// interval in one event log.
type Stream struct {
	Name  string
	Start string
	End   string
}

// Streams recorded by the event logs. Conversation and
// participant events are keyed by conversation id, presence
// events by user id.
var (
	ConversationStream = Stream{Name: "conversation", Start: "open", End: "close"}
	ParticipantStream  = Stream{Name: "participant", Start: "join", End: "leave"}
	OnlineStream       = Stream{Name: "online", Start: "subscribe", End: "unsubscribe"}
	AwayStream         = Stream{Name: "away", Start: "away", End: "online"}
)

// Types returns the event types that belong to s.
func (s Stream) Types() []string {
	return []string{s.Start, s.End}
}

// Event is one row of an append-only event log. Seq breaks ties
// between events that share a timestamp.
type Event struct {
	EntityID     string
	SecondaryKey string
	Type         string
	At           time.Time
	Seq          int64
}

// Key identifies the partition an event or interval belongs to.
type Key struct {
	EntityID     string
	SecondaryKey string
}

func (k Key) less(o Key) bool {
	if k.EntityID != o.EntityID {
		return k.EntityID < o.EntityID
	}
	return k.SecondaryKey < o.SecondaryKey
}

// Interval is a paired start/end span. Open intervals have no
// end yet and End is the zero time.
type Interval struct {
	EntityID     string
	SecondaryKey string
	Start        time.Time
	End          time.Time
	Open         bool
}

// Key returns the partition key of the interval.
func (iv Interval) Key() Key {
	return Key{EntityID: iv.EntityID, SecondaryKey: iv.SecondaryKey}
}

// Duration returns End-Start, or zero for open intervals.
func (iv Interval) Duration() time.Duration {
	if iv.Open || iv.End.Before(iv.Start) {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

// Window bounds interval starts, inclusive on both ends.
type Window struct {
	From time.Time
	To   time.Time
}

func (w *Window) contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Pair turns events into intervals. Events are ordered by
// partition, timestamp and sequence; each partition holds at
// most one pending start. A second start before an end replaces
// the pending one, an end without a pending start is dropped,
// and a start still pending at the end of the partition yields
// an open interval. When window is non-nil only intervals that
// start inside it are returned; their end may fall outside.
func Pair(events []Event, stream Stream, window *Window) []Interval {
	sorted := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Type == stream.Start || ev.Type == stream.End {
			sorted = append(sorted, ev)
		}
	}
	sortEvents(sorted)

	var (
		out     []Interval
		pending *Event
		cur     Key
	)
	flush := func() {
		if pending != nil && window.contains(pending.At) {
			out = append(out, Interval{
				EntityID:     pending.EntityID,
				SecondaryKey: pending.SecondaryKey,
				Start:        pending.At,
				Open:         true,
			})
		}
		pending = nil
	}

	for i := range sorted {
		ev := &sorted[i]
		k := Key{EntityID: ev.EntityID, SecondaryKey: ev.SecondaryKey}
		if i == 0 || k != cur {
			flush()
			cur = k
		}
		switch ev.Type {
		case stream.Start:
			pending = ev
		case stream.End:
			if pending == nil {
				continue
			}
			if window.contains(pending.At) {
				out = append(out, Interval{
					EntityID:     pending.EntityID,
					SecondaryKey: pending.SecondaryKey,
					Start:        pending.At,
					End:          ev.At,
				})
			}
			pending = nil
		}
	}
	flush()
	return out
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		ka := Key{EntityID: a.EntityID, SecondaryKey: a.SecondaryKey}
		kb := Key{EntityID: b.EntityID, SecondaryKey: b.SecondaryKey}
		if ka != kb {
			return ka.less(kb)
		}
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		return a.Seq < b.Seq
	})
}

// GroupByEntity indexes intervals by EntityID, preserving order.
func GroupByEntity(ivs []Interval) map[string][]Interval {
	m := make(map[string][]Interval)
	for _, iv := range ivs {
		m[iv.EntityID] = append(m[iv.EntityID], iv)
	}
	return m
}
