package aggregate

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var (
	// ErrInvalidSortColumn is returned for a sort column outside
	// the report's allow-list.
	ErrInvalidSortColumn = errors.New("invalid sort column")
	// ErrInvalidSortOrder is returned for an order other than
	// asc or desc.
	ErrInvalidSortOrder = errors.New("invalid sort order")
	// ErrInvalidGroupBy is returned for an unknown group_by key.
	ErrInvalidGroupBy = errors.New("invalid group_by")
)

// Sort is a validated sort column and direction.
type Sort struct {
	Column string
	Desc   bool
}

// SortSpec is a report's sort allow-list and default.
type SortSpec struct {
	Allowed []string
	Default Sort
}

// Sort allow-lists per report.
var (
	ResponseTimeSorts = SortSpec{
		Allowed: []string{"avg_response_time", "avg_chat_duration", "total_talk_time"},
		Default: Sort{Column: "avg_response_time"},
	}
	PerformanceSorts = SortSpec{
		Allowed: []string{"conversations", "satisfied", "avg_duration", "avg_response_time", "satisfaction_score"},
		Default: Sort{Column: "conversations", Desc: true},
	}
	OnlineSorts = SortSpec{
		Allowed: []string{"online", "worked", "away", "avg_online", "avg_worked", "avg_away"},
		Default: Sort{Column: "online", Desc: true},
	}
	SatisfactionSorts = SortSpec{
		Allowed: []string{"total_reviews", "satisfaction"},
		Default: Sort{Column: "satisfaction", Desc: true},
	}
)

// ParseSort validates a requested column and order against
// spec. An empty column selects the default; an empty order
// keeps the report's default direction.
func ParseSort(column, order string, spec SortSpec) (Sort, error) {
	s := spec.Default
	if column != "" {
		if !slices.Contains(spec.Allowed, column) {
			return Sort{}, fmt.Errorf("%w: %q", ErrInvalidSortColumn, column)
		}
		s = Sort{Column: column, Desc: spec.Default.Desc}
	}
	switch strings.ToLower(order) {
	case "":
	case "asc":
		s.Desc = false
	case "desc":
		s.Desc = true
	default:
		return Sort{}, fmt.Errorf("%w: %q", ErrInvalidSortOrder, order)
	}
	return s, nil
}

// Row is an entity summary that can be ordered by metric name.
type Row interface {
	RowID() string
	Metric(column string) float64
}

// SortRows orders rows by s. Ties fall back to ascending id so
// results are stable across runs.
func SortRows[T Row](rows []T, s Sort) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Metric(s.Column), rows[j].Metric(s.Column)
		if a != b {
			if s.Desc {
				return a > b
			}
			return a < b
		}
		return rows[i].RowID() < rows[j].RowID()
	})
}

// Group-by keys accepted by the conversation summary.
const (
	GroupByDepartment = "department"
	GroupByAgent      = "agent"
)

// ParseGroupBy validates group-by keys, dropping duplicates.
func ParseGroupBy(keys []string) ([]string, error) {
	var out []string
	for _, k := range keys {
		if k == "" {
			continue
		}
		if k != GroupByDepartment && k != GroupByAgent {
			return nil, fmt.Errorf("%w: %q", ErrInvalidGroupBy, k)
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}
