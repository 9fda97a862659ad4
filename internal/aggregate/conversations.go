package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/filter"
	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/report"
)

// ConversationSummary counts missed and completed conversations,
// optionally for one group-by combination.
type ConversationSummary struct {
	Group           map[string]string `json:"group,omitempty"`
	MissedCount     int               `json:"missed_count"`
	CompletedCount  int               `json:"completed_count"`
	AvgResponseTime float64           `json:"avg_response_time"`
}

type summaryAcc struct {
	group     map[string]string
	missed    int
	completed int
	queue     int64
}

// Summarize totals records, split by the validated groupBy keys.
// Grouping by agent counts a record once under each participant;
// missed records fall under an empty agent.
func Summarize(recs []report.Record, groupBy []string) []ConversationSummary {
	accs := make(map[string]*summaryAcc)
	var order []string

	add := func(r *report.Record, group map[string]string) {
		key := groupKey(groupBy, group)
		a, ok := accs[key]
		if !ok {
			a = &summaryAcc{group: group}
			accs[key] = a
			order = append(order, key)
		}
		if r.IsMissed {
			a.missed++
			return
		}
		a.completed++
		a.queue += r.InQueueDuration
	}

	for i := range recs {
		r := &recs[i]
		for _, g := range groupsFor(r, groupBy) {
			add(r, g)
		}
	}

	if len(order) == 0 && len(groupBy) == 0 {
		return []ConversationSummary{{}}
	}
	sort.Strings(order)
	out := make([]ConversationSummary, 0, len(order))
	for _, key := range order {
		a := accs[key]
		s := ConversationSummary{
			MissedCount:    a.missed,
			CompletedCount: a.completed,
		}
		if len(groupBy) > 0 {
			s.Group = a.group
		}
		if a.completed > 0 {
			s.AvgResponseTime = round1(float64(a.queue) / float64(a.completed))
		}
		out = append(out, s)
	}
	return out
}

func groupsFor(r *report.Record, groupBy []string) []map[string]string {
	groups := []map[string]string{{}}
	for _, key := range groupBy {
		var values []string
		switch key {
		case GroupByDepartment:
			values = []string{r.DepartmentID}
		case GroupByAgent:
			values = r.UserIDs
			if len(values) == 0 {
				values = []string{""}
			}
		}
		next := make([]map[string]string, 0, len(groups)*len(values))
		for _, g := range groups {
			for _, v := range values {
				m := make(map[string]string, len(g)+1)
				for k, gv := range g {
					m[k] = gv
				}
				m[key] = v
				next = append(next, m)
			}
		}
		groups = next
	}
	return groups
}

func groupKey(groupBy []string, group map[string]string) string {
	parts := make([]string, len(groupBy))
	for i, k := range groupBy {
		parts[i] = group[k]
	}
	return strings.Join(parts, "\x00")
}

// --- Detailed ---

// DetailedStats are the headline numbers of the detailed
// conversations report. Durations are seconds.
type DetailedStats struct {
	Total             int     `json:"total"`
	Served            int     `json:"served"`
	Missed            int     `json:"missed"`
	ChatsServed       int     `json:"chats_served"`
	ChatsMissed       int     `json:"chats_missed"`
	CallsServed       int     `json:"calls_served"`
	CallsMissed       int     `json:"calls_missed"`
	AvgResponseTime   int64   `json:"avg_response_time"`
	AvgMissedWait     int64   `json:"avg_missed_wait"`
	AvgDuration       int64   `json:"avg_duration"`
	Acceptance        float64 `json:"acceptance"`
	Satisfaction      float64 `json:"satisfaction"`
	TotalRated        int     `json:"total_rated"`
	UniqueVisitors    int     `json:"unique_visitors"`
	ReturningVisitors int     `json:"returning_visitors"`
}

// TimingBucket counts answered conversations by first response
// time.
type TimingBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LeaderboardEntry ranks a user by answered conversations.
type LeaderboardEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Conversations int    `json:"conversations"`
}

// Detailed is the detailed conversations report.
type Detailed struct {
	Stats       DetailedStats      `json:"stats"`
	Chart       Series             `json:"chart"`
	Timing      []TimingBucket     `json:"timing"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// DetailedMetrics are the daily chart metrics.
var DetailedMetrics = []string{"served", "missed"}

const leaderboardSize = 5

var timingLabels = []string{"<15s", "16s-30s", "31s-45s", "46s-1m", ">1m"}

func timingIndex(queue int64) int {
	switch {
	case queue <= 15:
		return 0
	case queue <= 30:
		return 1
	case queue <= 45:
		return 2
	case queue <= 60:
		return 3
	default:
		return 4
	}
}

// Detail builds the detailed report. The chart is keyed by local
// opened date and is not zero-filled.
func Detail(
	recs []report.Record, reviews map[string]report.Review,
	users []User, loc *time.Location,
) Detailed {
	var d Detailed
	timing := make([]int, len(timingLabels))
	visitors := make(map[string]int)
	perUser := make(map[string]int)
	sb := newSeriesBuilder()
	var queueServed, queueMissed, total int64
	var satisfied int
	rated := make(map[string]bool)

	for i := range recs {
		r := &recs[i]
		d.Stats.Total++
		total += r.TotalDuration
		call := r.HasMessageType(filter.AudioMessageType)
		date := LocalDate(r.OpenedAt, loc)
		if r.VisitorID != "" {
			visitors[r.VisitorID]++
		}

		if r.IsAnswered {
			d.Stats.Served++
			queueServed += r.InQueueDuration
			timing[timingIndex(r.InQueueDuration)]++
			if call {
				d.Stats.CallsServed++
			} else {
				d.Stats.ChatsServed++
			}
			for _, u := range r.UserIDs {
				perUser[u]++
			}
			sb.add(date, "served", 1)
			sb.add(date, "missed", 0)
		} else {
			d.Stats.Missed++
			queueMissed += r.InQueueDuration
			if call {
				d.Stats.CallsMissed++
			} else {
				d.Stats.ChatsMissed++
			}
			sb.add(date, "served", 0)
			sb.add(date, "missed", 1)
		}

		if rv, ok := reviews[r.ConversationID]; ok && !rated[r.ConversationID] {
			rated[r.ConversationID] = true
			if rv.Satisfied() {
				satisfied++
			}
		}
	}

	if d.Stats.Served > 0 {
		d.Stats.AvgResponseTime = queueServed / int64(d.Stats.Served)
	}
	if d.Stats.Missed > 0 {
		d.Stats.AvgMissedWait = queueMissed / int64(d.Stats.Missed)
	}
	if d.Stats.Total > 0 {
		d.Stats.AvgDuration = total / int64(d.Stats.Total)
		d.Stats.Acceptance = round2(float64(d.Stats.Served) / float64(d.Stats.Total))
	}
	d.Stats.TotalRated = len(rated)
	if len(rated) > 0 {
		d.Stats.Satisfaction = round2(float64(satisfied) / float64(len(rated)))
	}
	d.Stats.UniqueVisitors = len(visitors)
	for _, n := range visitors {
		if n > 1 {
			d.Stats.ReturningVisitors++
		}
	}

	d.Chart = sb.build()
	d.Timing = make([]TimingBucket, len(timingLabels))
	for i, label := range timingLabels {
		d.Timing[i] = TimingBucket{Label: label, Count: timing[i]}
	}
	d.Leaderboard = leaderboard(perUser, users)
	return d
}

func leaderboard(perUser map[string]int, users []User) []LeaderboardEntry {
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	entries := make([]LeaderboardEntry, 0, len(perUser))
	for id, n := range perUser {
		entries = append(entries, LeaderboardEntry{
			ID: id, Name: names[id], Conversations: n,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Conversations != entries[j].Conversations {
			return entries[i].Conversations > entries[j].Conversations
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > leaderboardSize {
		entries = entries[:leaderboardSize]
	}
	return entries
}

// --- Live ---

// LiveCounts are the conversations still open right now.
type LiveCounts struct {
	InQueue    int `json:"in_queue"`
	TalkingNow int `json:"talking_now"`
}

// Live counts open conversations, split by whether a participant
// has joined and not yet left.
func Live(convs, participants []interval.Interval) LiveCounts {
	joined := interval.GroupByEntity(participants)
	var c LiveCounts
	for _, conv := range convs {
		if !conv.Open {
			continue
		}
		talking := false
		for _, p := range joined[conv.EntityID] {
			if p.Open && !p.Start.Before(conv.Start) {
				talking = true
				break
			}
		}
		if talking {
			c.TalkingNow++
		} else {
			c.InQueue++
		}
	}
	return c
}
