package aggregate

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// Bucket is one date's metrics in a chart series.
type Bucket struct {
	Date   string
	Values map[string]float64
}

// Series is a date-ordered chart. It marshals as a JSON object
// keyed by date, preserving order.
type Series []Bucket

func (s Series) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, b := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(b.Date)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(b.Values)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the bucket for date, if present.
func (s Series) Get(date string) (Bucket, bool) {
	for _, b := range s {
		if b.Date == date {
			return b, true
		}
	}
	return Bucket{}, false
}

// LocalDate returns the calendar date of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeutil.DateLayout)
}

// BucketDate maps a YYYY-MM-DD date to the first date of its
// bucket: the ISO week's Monday, the month's first day, or the
// date itself for daily buckets.
func BucketDate(date string, granularity string) string {
	t, err := time.Parse(timeutil.DateLayout, date)
	if err != nil {
		return date
	}
	switch granularity {
	case "week":
		// ISO week: Monday start
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		t = t.AddDate(0, 0, -(weekday - 1))
		return t.Format(timeutil.DateLayout)
	case "month":
		return t.Format("2006-01") + "-01"
	default:
		return date
	}
}

// DateSeries lists every bucket date from from through to,
// inclusive, at the given granularity.
func DateSeries(from, to, granularity string) []string {
	start, err := time.Parse(timeutil.DateLayout, BucketDate(from, granularity))
	if err != nil {
		return nil
	}
	end, err := time.Parse(timeutil.DateLayout, to)
	if err != nil {
		return nil
	}

	var dates []string
	for d := start; !d.After(end); {
		dates = append(dates, d.Format(timeutil.DateLayout))
		switch granularity {
		case "week":
			d = d.AddDate(0, 0, 7)
		case "month":
			d = d.AddDate(0, 1, 0)
		default:
			d = d.AddDate(0, 0, 1)
		}
	}
	return dates
}

// FillSeries returns s with a zero-valued bucket, carrying each
// metric in metrics, for every date in dates that s lacks.
func FillSeries(s Series, dates []string, metrics []string) Series {
	have := make(map[string]bool, len(s))
	out := make(Series, 0, len(dates))
	for _, b := range s {
		have[b.Date] = true
		out = append(out, b)
	}
	for _, d := range dates {
		if have[d] {
			continue
		}
		vals := make(map[string]float64, len(metrics))
		for _, m := range metrics {
			vals[m] = 0
		}
		out = append(out, Bucket{Date: d, Values: vals})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date < out[j].Date
	})
	return out
}

// Rollup sums daily buckets into coarser buckets.
func Rollup(s Series, granularity string) Series {
	if granularity == "" || granularity == "day" {
		return s
	}
	byDate := make(map[string]map[string]float64)
	var order []string
	for _, b := range s {
		key := BucketDate(b.Date, granularity)
		vals, ok := byDate[key]
		if !ok {
			vals = make(map[string]float64)
			byDate[key] = vals
			order = append(order, key)
		}
		for k, v := range b.Values {
			vals[k] += v
		}
	}
	sort.Strings(order)
	out := make(Series, 0, len(order))
	for _, d := range order {
		out = append(out, Bucket{Date: d, Values: byDate[d]})
	}
	return out
}

// seriesBuilder accumulates per-date values before averaging.
type seriesBuilder struct {
	sums   map[string]map[string]float64
	counts map[string]map[string]int
}

func newSeriesBuilder() *seriesBuilder {
	return &seriesBuilder{
		sums:   make(map[string]map[string]float64),
		counts: make(map[string]map[string]int),
	}
}

func (sb *seriesBuilder) add(date, metric string, v float64) {
	if sb.sums[date] == nil {
		sb.sums[date] = make(map[string]float64)
		sb.counts[date] = make(map[string]int)
	}
	sb.sums[date][metric] += v
	sb.counts[date][metric]++
}

// build returns the series, averaging the metrics named in avg
// and summing the rest.
func (sb *seriesBuilder) build(avg ...string) Series {
	dates := make([]string, 0, len(sb.sums))
	for d := range sb.sums {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := make(Series, 0, len(dates))
	for _, d := range dates {
		vals := make(map[string]float64, len(sb.sums[d]))
		for k, v := range sb.sums[d] {
			vals[k] = v
		}
		for _, k := range avg {
			if n := sb.counts[d][k]; n > 0 {
				vals[k] = float64(int64(vals[k] / float64(n)))
			}
		}
		out = append(out, Bucket{Date: d, Values: vals})
	}
	return out
}
