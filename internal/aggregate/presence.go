package aggregate

import (
	"time"

	"github.com/talkmetrics/talkmetrics/internal/interval"
)

// PresenceRow summarizes a user's online and away time, in
// seconds. Worked is online time not spent away.
type PresenceRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Online    int64  `json:"online"`
	Worked    int64  `json:"worked"`
	Away      int64  `json:"away"`
	AvgOnline int64  `json:"avg_online"`
	AvgWorked int64  `json:"avg_worked"`
	AvgAway   int64  `json:"avg_away"`
}

func (r PresenceRow) RowID() string { return r.ID }

func (r PresenceRow) Metric(col string) float64 {
	switch col {
	case "online":
		return float64(r.Online)
	case "worked":
		return float64(r.Worked)
	case "away":
		return float64(r.Away)
	case "avg_online":
		return float64(r.AvgOnline)
	case "avg_worked":
		return float64(r.AvgWorked)
	case "avg_away":
		return float64(r.AvgAway)
	}
	return 0
}

type spanTotals struct {
	sum   int64
	count int64
}

func (t spanTotals) avg() int64 {
	if t.count == 0 {
		return 0
	}
	return t.sum / t.count
}

func totalsByUser(ivs []interval.Interval) map[string]spanTotals {
	m := make(map[string]spanTotals)
	for _, iv := range ivs {
		if iv.Open {
			continue
		}
		t := m[iv.EntityID]
		t.sum += int64(iv.Duration() / time.Second)
		t.count++
		m[iv.EntityID] = t
	}
	return m
}

// OnlineDurations summarizes closed presence intervals for every
// user in users, including users with no presence at all.
// Intervals are keyed by user id in EntityID.
func OnlineDurations(
	users []User, online, away []interval.Interval,
) []PresenceRow {
	on := totalsByUser(online)
	off := totalsByUser(away)

	rows := make([]PresenceRow, 0, len(users))
	for _, u := range users {
		o, a := on[u.ID], off[u.ID]
		rows = append(rows, PresenceRow{
			ID:        u.ID,
			Name:      u.Name,
			Online:    o.sum,
			Away:      a.sum,
			Worked:    max(o.sum-a.sum, 0),
			AvgOnline: o.avg(),
			AvgAway:   a.avg(),
			AvgWorked: max(o.avg()-a.avg(), 0),
		})
	}
	return rows
}

// OnlineChart buckets one user's presence by the local date each
// interval started.
func OnlineChart(
	userID string, online, away []interval.Interval, loc *time.Location,
) Series {
	sb := newSeriesBuilder()
	add := func(ivs []interval.Interval, metric string) {
		for _, iv := range ivs {
			if iv.Open || iv.EntityID != userID {
				continue
			}
			d := LocalDate(iv.Start, loc)
			for _, m := range OnlineMetrics {
				sb.add(d, m, 0)
			}
			sb.add(d, metric, float64(iv.Duration()/time.Second))
		}
	}
	add(online, "online")
	add(away, "away")

	s := sb.build()
	for _, b := range s {
		b.Values["worked"] = max(b.Values["online"]-b.Values["away"], 0)
	}
	return s
}

// OnlineMetrics are the presence chart metrics.
var OnlineMetrics = []string{"online", "away", "worked"}
