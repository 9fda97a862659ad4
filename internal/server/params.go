package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/analytics"
	"github.com/talkmetrics/talkmetrics/internal/filter"
)

// Caller identity headers. Authentication happens upstream.
const (
	HeaderAccountID = "X-Account-ID"
	HeaderUserID    = "X-User-ID"
)

// callerScope reads the caller identity. It writes a 401 and
// returns false when the account header is missing.
func callerScope(
	w http.ResponseWriter, r *http.Request,
) (filter.Scope, bool) {
	account := strings.TrimSpace(r.Header.Get(HeaderAccountID))
	if account == "" {
		writeError(w, http.StatusUnauthorized,
			"missing "+HeaderAccountID+" header")
		return filter.Scope{}, false
	}
	return filter.Scope{
		AccountID: account,
		UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
	}, true
}

// listParam returns every value of a repeatable parameter.
// Both name=a&name=b and name[]=a forms are accepted, and each
// value may hold a comma-separated list.
func listParam(r *http.Request, name string) []string {
	q := r.URL.Query()
	var out []string
	for _, key := range []string{name, name + "[]"} {
		for _, v := range q[key] {
			for part := range strings.SplitSeq(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// parseBoolParam parses an optional boolean parameter. It
// writes a 400 and returns false on a malformed value.
func parseBoolParam(
	w http.ResponseWriter, r *http.Request, name string,
) (*bool, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			"invalid "+name+" parameter: must be true or false")
		return nil, false
	}
	return &v, true
}

// parseReportRequest extracts the caller scope, filter and
// shaping options shared by every report route. Semantic
// validation is left to the analytics service.
func parseReportRequest(
	w http.ResponseWriter, r *http.Request,
) (analytics.Request, bool) {
	scope, ok := callerScope(w, r)
	if !ok {
		return analytics.Request{}, false
	}
	fill, ok := parseBoolParam(w, r, "fill_dates")
	if !ok {
		return analytics.Request{}, false
	}
	timeout, ok := parseTimeoutParam(w, r)
	if !ok {
		return analytics.Request{}, false
	}
	q := r.URL.Query()
	return analytics.Request{
		Scope: scope,
		Filter: filter.Filter{
			From:          q.Get("from"),
			To:            q.Get("to"),
			Types:         listParam(r, "types"),
			Users:         listParam(r, "users"),
			Departments:   listParam(r, "departments"),
			Conversations: listParam(r, "conversations"),
		},
		Sort:        q.Get("sort"),
		SortOrder:   q.Get("sort_order"),
		FillDates:   fill,
		GroupBy:     listParam(r, "group_by"),
		Granularity: q.Get("granularity"),
		Timeout:     timeout,
	}, true
}

// parseTimeoutParam reads the optional per-request query bound,
// a Go duration such as "500ms" or "5s".
func parseTimeoutParam(
	w http.ResponseWriter, r *http.Request,
) (time.Duration, bool) {
	s := r.URL.Query().Get("timeout")
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest,
			"invalid timeout parameter: must be a positive duration")
		return 0, false
	}
	return d, true
}
