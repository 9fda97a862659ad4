// Package analytics answers report queries for one caller
// account. It validates and composes the filter, reads stored
// report records or raw events, and shapes the aggregates into
// single-entity or multi-entity responses.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/aggregate"
	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/filter"
	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/metrics"
	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

var (
	// ErrNotFound is returned when a single-entity query matches
	// nothing, or the caller's account is unknown.
	ErrNotFound = errors.New("not found")
	// ErrTimeout is returned when a query runs out of time.
	ErrTimeout = errors.New("query timed out")
	// ErrInvalidGranularity is returned for a chart granularity
	// other than day, week or month.
	ErrInvalidGranularity = errors.New("invalid granularity")
)

// Request is one report query.
type Request struct {
	Scope       filter.Scope
	Filter      filter.Filter
	Sort        string
	SortOrder   string
	FillDates   *bool // nil = true
	GroupBy     []string
	Granularity string // day (default), week or month
	// Timeout is the caller's bound on the query. It can only
	// tighten the service timeout, never extend it.
	Timeout time.Duration
}

func (r Request) fill() bool {
	return r.FillDates == nil || *r.FillDates
}

// Response is a report result. Chart is set for single-entity
// queries only.
type Response struct {
	Data  any              `json:"data"`
	Chart aggregate.Series `json:"chart,omitempty"`
}

// Service runs report queries against the store.
type Service struct {
	db      *db.DB
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds every query. Zero disables the bound.
// Requests may ask for a shorter one.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithMetrics records query latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the clock used for default date ranges.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service.
func New(database *db.DB, opts ...Option) *Service {
	s := &Service{db: database, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// query is a validated request with its resolved inputs.
type query struct {
	req      Request
	scope    filter.Scope
	filter   filter.Filter
	from, to time.Time
	pred     filter.Predicate
	sort     aggregate.Sort
	groupBy  []string
	users    []aggregate.User
	dates    []string
}

func (q *query) loc() *time.Location { return q.scope.Loc() }

func (q *query) window() *interval.Window {
	return &interval.Window{From: q.from, To: q.to}
}

func (q *query) single() bool { return q.filter.SingleUser() }

// chart zero-fills a daily series over the query dates and,
// when summable, rolls it up to the requested granularity.
func (q *query) chart(s aggregate.Series, names []string, summable bool) aggregate.Series {
	if q.req.fill() {
		s = aggregate.FillSeries(s, q.dates, names)
	}
	if summable {
		s = aggregate.Rollup(s, q.req.Granularity)
	}
	if s == nil {
		s = aggregate.Series{}
	}
	return s
}

// run validates req, resolves its scope and filter, and calls fn
// under the query timeout. Context errors become ErrTimeout.
func (s *Service) run(
	ctx context.Context, name string, req Request,
	sorts *aggregate.SortSpec,
	fn func(ctx context.Context, q *query) (Response, error),
) (resp Response, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveQuery(name, started, err) }()

	q := &query{req: req, filter: req.Filter}
	// Cheap validation first, before any I/O.
	if sorts != nil {
		if q.sort, err = aggregate.ParseSort(req.Sort, req.SortOrder, *sorts); err != nil {
			return Response{}, err
		}
	}
	if q.groupBy, err = aggregate.ParseGroupBy(req.GroupBy); err != nil {
		return Response{}, err
	}
	switch req.Granularity {
	case "", "day", "week", "month":
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrInvalidGranularity, req.Granularity)
	}
	if _, err = filter.ReconcileTypes(req.Filter.Types); err != nil {
		return Response{}, err
	}

	if d := s.bound(req.Timeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() { err = timeoutError(err) }()

	if err = s.resolve(ctx, q); err != nil {
		return Response{}, err
	}
	return fn(ctx, q)
}

// bound returns the effective query timeout: the tighter of the
// service and request bounds, ignoring unset ones.
func (s *Service) bound(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.timeout
	}
	if s.timeout > 0 {
		return min(requested, s.timeout)
	}
	return requested
}

func (s *Service) resolve(ctx context.Context, q *query) error {
	q.scope = q.req.Scope
	loc, err := s.db.AccountLocation(ctx, q.scope.AccountID)
	if errors.Is(err, db.ErrAccountNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	if q.scope.Location == nil {
		q.scope.Location = loc
	}

	q.filter = defaultDates(q.filter, s.now().In(q.loc()))
	pred, err := filter.Compose(ctx, q.scope, q.filter, s.db)
	if err != nil {
		return err
	}
	q.pred = pred
	if q.from, q.to, err = q.filter.Bounds(q.loc()); err != nil {
		return err
	}
	q.dates = aggregate.DateSeries(q.filter.From, q.filter.To, "day")

	users, err := s.db.AccountUsers(ctx, q.scope.AccountID, q.filter.Users)
	if err != nil {
		return err
	}
	q.users = make([]aggregate.User, 0, len(users))
	for _, u := range users {
		if !inDepartments(u, q.filter.Departments) {
			continue
		}
		q.users = append(q.users, aggregate.User{ID: u.ID, Name: u.Name})
	}
	return nil
}

// inDepartments reports whether u belongs to any of deps. An
// empty deps matches every user.
func inDepartments(u db.User, deps []string) bool {
	if len(deps) == 0 {
		return true
	}
	return slices.ContainsFunc(u.Departments, func(d string) bool {
		return slices.Contains(deps, d)
	})
}

// defaultDates fills an unset range with the current week, from
// Monday through the following Monday.
func defaultDates(f filter.Filter, now time.Time) filter.Filter {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -(weekday - 1))
	if f.From == "" {
		f.From = monday.Format(timeutil.DateLayout)
	}
	if f.To == "" {
		f.To = monday.AddDate(0, 0, 7).Format(timeutil.DateLayout)
	}
	return f
}

func timeoutError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (s *Service) records(ctx context.Context, q *query) ([]report.Record, error) {
	return s.db.ListReports(ctx, db.ReportQuery{Where: q.pred})
}

func (s *Service) reviews(
	ctx context.Context, q *query, recs []report.Record,
) (map[string]report.Review, error) {
	seen := make(map[string]bool, len(recs))
	var ids []string
	for _, r := range recs {
		if !seen[r.ConversationID] {
			seen[r.ConversationID] = true
			ids = append(ids, r.ConversationID)
		}
	}
	return s.db.Reviews(ctx, q.scope.AccountID, ids)
}

// shape returns the single-entity response for the requested
// user, or the sorted list.
func shape[T aggregate.Row](
	q *query, rows []T, chart func(userID string) aggregate.Series,
) (Response, error) {
	if q.single() {
		for _, r := range rows {
			if r.RowID() == q.filter.Users[0] {
				return Response{Data: r, Chart: chart(r.RowID())}, nil
			}
		}
		return Response{}, ErrNotFound
	}
	aggregate.SortRows(rows, q.sort)
	if rows == nil {
		rows = []T{}
	}
	return Response{Data: rows}, nil
}
