// Package aggregate rolls report records and presence intervals
// up into per-user summaries, conversation statistics and
// zero-filled date series.
package aggregate

import (
	"math"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/report"
)

// User is a roster entry summarized by the user reports.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// --- Response times ---

// ResponseTimeRow summarizes how fast a user picked up and how
// long they talked.
type ResponseTimeRow struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Conversations          int      `json:"conversations"`
	AvgResponseTime        int64    `json:"avg_response_time"`
	AvgChatDuration        int64    `json:"avg_chat_duration"`
	TotalTalkTime          int64    `json:"total_talk_time"`
	AvgConversationsPerDay *float64 `json:"avg_conversations_per_day,omitempty"`
}

func (r ResponseTimeRow) RowID() string { return r.ID }

func (r ResponseTimeRow) Metric(col string) float64 {
	switch col {
	case "avg_response_time":
		return float64(r.AvgResponseTime)
	case "avg_chat_duration":
		return float64(r.AvgChatDuration)
	case "total_talk_time":
		return float64(r.TotalTalkTime)
	}
	return 0
}

// ResponseTimes summarizes each user that took part in at least
// one record. Users without records are omitted.
func ResponseTimes(users []User, recs []report.Record) []ResponseTimeRow {
	var rows []ResponseTimeRow
	for _, u := range users {
		var n, answered int
		var queue, talk int64
		for i := range recs {
			r := &recs[i]
			if !r.HasUser(u.ID) {
				continue
			}
			n++
			queue += r.InQueueDuration
			if r.AnsweredDuration != nil {
				answered++
				talk += *r.AnsweredDuration
			}
		}
		if n == 0 {
			continue
		}
		row := ResponseTimeRow{
			ID:              u.ID,
			Name:            u.Name,
			Conversations:   n,
			AvgResponseTime: queue / int64(n),
			TotalTalkTime:   talk,
		}
		if answered > 0 {
			row.AvgChatDuration = talk / int64(answered)
		}
		rows = append(rows, row)
	}
	return rows
}

// ResponseTimeChart buckets a user's conversations by the local
// date they were answered.
func ResponseTimeChart(
	userID string, recs []report.Record, loc *time.Location,
) Series {
	sb := newSeriesBuilder()
	for i := range recs {
		r := &recs[i]
		if !r.HasUser(userID) || r.AnsweredAt == nil {
			continue
		}
		d := LocalDate(*r.AnsweredAt, loc)
		sb.add(d, "avg_response_time", float64(r.InQueueDuration))
		sb.add(d, "conversations", 1)
	}
	return sb.build("avg_response_time")
}

// ResponseTimeMetrics are the chart metrics zero-filled for
// response times.
var ResponseTimeMetrics = []string{"avg_response_time", "conversations"}

// AvgPerDay averages metric over the buckets present in s,
// rounded to one decimal place.
func AvgPerDay(s Series, metric string) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, b := range s {
		sum += b.Values[metric]
	}
	return round1(sum / float64(len(s)))
}

// --- Performance ---

// PerformanceRow summarizes a user's answered conversations and
// the ratings they received.
type PerformanceRow struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Conversations     int     `json:"conversations"`
	Satisfied         int     `json:"satisfied"`
	AvgDuration       int64   `json:"avg_duration"`
	AvgResponseTime   int64   `json:"avg_response_time"`
	SatisfactionScore float64 `json:"satisfaction_score"`
}

func (r PerformanceRow) RowID() string { return r.ID }

func (r PerformanceRow) Metric(col string) float64 {
	switch col {
	case "conversations":
		return float64(r.Conversations)
	case "satisfied":
		return float64(r.Satisfied)
	case "avg_duration":
		return float64(r.AvgDuration)
	case "avg_response_time":
		return float64(r.AvgResponseTime)
	case "satisfaction_score":
		return r.SatisfactionScore
	}
	return 0
}

// Performance summarizes answered conversations per user.
// reviews is keyed by conversation id.
func Performance(
	users []User, recs []report.Record, reviews map[string]report.Review,
) []PerformanceRow {
	var rows []PerformanceRow
	for _, u := range users {
		var n, satisfied int
		var total, queue int64
		for i := range recs {
			r := &recs[i]
			if !r.IsAnswered || !r.HasUser(u.ID) {
				continue
			}
			n++
			total += r.TotalDuration
			queue += r.InQueueDuration
			if rv, ok := reviews[r.ConversationID]; ok && rv.Satisfied() {
				satisfied++
			}
		}
		if n == 0 {
			continue
		}
		rows = append(rows, PerformanceRow{
			ID:                u.ID,
			Name:              u.Name,
			Conversations:     n,
			Satisfied:         satisfied,
			AvgDuration:       total / int64(n),
			AvgResponseTime:   queue / int64(n),
			SatisfactionScore: round2(float64(satisfied) / float64(n)),
		})
	}
	return rows
}

// PerformanceChart buckets a user's answered conversations by
// local opened date.
func PerformanceChart(
	userID string, recs []report.Record,
	reviews map[string]report.Review, loc *time.Location,
) Series {
	sb := newSeriesBuilder()
	for i := range recs {
		r := &recs[i]
		if !r.IsAnswered || !r.HasUser(userID) {
			continue
		}
		d := LocalDate(r.OpenedAt, loc)
		sb.add(d, "conversations", 1)
		sb.add(d, "avg_duration", float64(r.TotalDuration))
		satisfied := 0.0
		if rv, ok := reviews[r.ConversationID]; ok && rv.Satisfied() {
			satisfied = 1
		}
		sb.add(d, "satisfied", satisfied)
	}
	return sb.build("avg_duration")
}

// PerformanceMetrics are the chart metrics zero-filled for
// performance.
var PerformanceMetrics = []string{"conversations", "avg_duration", "satisfied"}

// --- Satisfaction ---

// SatisfactionRow counts the reviews on a user's conversations.
type SatisfactionRow struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	TotalReviews int         `json:"total_reviews"`
	Satisfaction int         `json:"satisfaction"`
	Scores       map[int]int `json:"scores"`
}

func (r SatisfactionRow) RowID() string { return r.ID }

func (r SatisfactionRow) Metric(col string) float64 {
	switch col {
	case "total_reviews":
		return float64(r.TotalReviews)
	case "satisfaction":
		return float64(r.Satisfaction)
	}
	return 0
}

func emptyScores() map[int]int {
	return map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}
}

// Satisfaction counts reviewed conversations per user. Users
// with no reviewed conversations are omitted.
func Satisfaction(
	users []User, recs []report.Record, reviews map[string]report.Review,
) []SatisfactionRow {
	var rows []SatisfactionRow
	for _, u := range users {
		row := SatisfactionRow{ID: u.ID, Name: u.Name, Scores: emptyScores()}
		seen := make(map[string]bool)
		for i := range recs {
			r := &recs[i]
			if !r.HasUser(u.ID) || seen[r.ConversationID] {
				continue
			}
			rv, ok := reviews[r.ConversationID]
			if !ok {
				continue
			}
			seen[r.ConversationID] = true
			row.TotalReviews++
			if rv.Satisfied() {
				row.Satisfaction++
			}
			row.Scores[rv.Score]++
		}
		if row.TotalReviews > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// SatisfactionChart buckets a user's reviews by local review
// date, one metric per score.
func SatisfactionChart(
	userID string, recs []report.Record,
	reviews map[string]report.Review, loc *time.Location,
) Series {
	sb := newSeriesBuilder()
	seen := make(map[string]bool)
	for i := range recs {
		r := &recs[i]
		if !r.HasUser(userID) || seen[r.ConversationID] {
			continue
		}
		rv, ok := reviews[r.ConversationID]
		if !ok {
			continue
		}
		seen[r.ConversationID] = true
		d := LocalDate(rv.CreatedAt, loc)
		for _, m := range SatisfactionMetrics {
			sb.add(d, m, 0)
		}
		sb.add(d, scoreMetric(rv.Score), 1)
	}
	return sb.build()
}

// SatisfactionMetrics are the per-score chart metrics.
var SatisfactionMetrics = []string{"1", "2", "3", "4", "5"}

func scoreMetric(score int) string {
	if score < 1 || score > 5 {
		return "other"
	}
	return SatisfactionMetrics[score-1]
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
