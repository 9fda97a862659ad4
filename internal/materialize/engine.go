// Package materialize turns the raw conversation event log into
// stored report records. Runs are idempotent: a record is keyed
// by (conversation, opened_at) and never written twice, so
// overlapping or repeated runs are safe without any locking
// beyond the storage unique constraint.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/metrics"
	"github.com/talkmetrics/talkmetrics/internal/report"
	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

const (
	batchSize  = 100
	maxWorkers = 8
)

// Run modes recorded in the ledger.
const (
	ModeIncremental = "incremental"
	ModeBackfill    = "backfill"
)

// ErrBackfillDone is returned by RunFullBackfill when a
// completed backfill is already recorded.
var ErrBackfillDone = errors.New("full backfill already completed")

// Options restricts a run. The zero value covers every
// conversation of every account.
type Options struct {
	AccountID     string
	Conversations []string
	From          time.Time // open time, inclusive; zero = unbounded
	To            time.Time // open time, inclusive; zero = unbounded
}

func (o Options) window() *interval.Window {
	if o.From.IsZero() && o.To.IsZero() {
		return nil
	}
	return &interval.Window{From: o.From, To: o.To}
}

// Stats summarizes one run.
type Stats struct {
	RunID      string        `json:"run_id"`
	Mode       string        `json:"mode"`
	Candidates int           `json:"candidates"`
	Inserted   int           `json:"inserted"`
	Skipped    int           `json:"skipped"`
	Rejected   int           `json:"rejected"`
	Open       int           `json:"open"`
	Duration   time.Duration `json:"duration_ns"`
}

// Engine materializes report records from the event log.
type Engine struct {
	db      *db.DB
	metrics *metrics.Metrics
	workers int

	mu        gosync.RWMutex
	lastRun   time.Time
	lastStats Stats
}

// NewEngine creates an engine. workers <= 0 picks a pool size
// from the CPU count. m may be nil.
func NewEngine(database *db.DB, m *metrics.Metrics, workers int) *Engine {
	if workers <= 0 {
		workers = min(max(runtime.NumCPU(), 2), maxWorkers)
	}
	return &Engine{db: database, metrics: m, workers: workers}
}

// LastRun returns the finish time of the last successful run.
func (e *Engine) LastRun() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun
}

// LastStats returns the statistics of the last successful run.
func (e *Engine) LastStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStats
}

// RunIncremental stores a record for every closed conversation
// interval in scope that is not stored yet. Open conversations
// and intervals carrying legacy zero dates are left for later.
func (e *Engine) RunIncremental(
	ctx context.Context, opts Options,
) (Stats, error) {
	return e.run(ctx, ModeIncremental, opts, false, e.db.InsertReports)
}

// RunFullBackfill materializes the whole event log, legacy
// zero-dated events included, through the relaxed bulk insert
// path. It refuses to run twice unless force is set.
func (e *Engine) RunFullBackfill(
	ctx context.Context, force bool,
) (Stats, error) {
	if !force {
		done, err := e.db.LastRun(ctx, ModeBackfill, true)
		if err != nil {
			return Stats{}, err
		}
		if done != nil {
			return Stats{}, fmt.Errorf(
				"%w (run %s)", ErrBackfillDone, done.ID,
			)
		}
	}
	return e.run(ctx, ModeBackfill, Options{}, true, e.db.BackfillReports)
}

type insertFunc func(
	context.Context, []report.Record,
) (db.InsertResult, error)

func (e *Engine) run(
	ctx context.Context, mode string, opts Options,
	legacy bool, insert insertFunc,
) (stats Stats, err error) {
	started := time.Now()
	stats = Stats{RunID: uuid.NewString(), Mode: mode}
	jobType := metrics.JobMaterializeIncremental
	if mode == ModeBackfill {
		jobType = metrics.JobMaterializeBackfill
	}

	if err := e.db.StartRun(ctx, db.Run{
		ID: stats.RunID, Mode: mode, StartedAt: started,
	}); err != nil {
		return stats, err
	}
	defer func() {
		stats.Duration = time.Since(started)
		e.finish(stats, err)
		e.metrics.ObserveJob(jobType, started, err, errorType(err))
		e.metrics.AddInserted(jobType, stats.Inserted)
	}()

	err = e.materialize(ctx, opts, legacy, insert, &stats)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

func (e *Engine) finish(stats Stats, runErr error) {
	r := db.Run{
		ID:         stats.RunID,
		Candidates: stats.Candidates,
		Inserted:   stats.Inserted,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	// The run context may be canceled already.
	if err := e.db.FinishRun(context.Background(), r); err != nil {
		log.Printf("materialize: recording run %s: %v", r.ID, err)
	}
	if runErr != nil {
		log.Printf("materialize %s: %v", stats.Mode, runErr)
		return
	}

	e.mu.Lock()
	e.lastRun = time.Now()
	e.lastStats = stats
	e.mu.Unlock()

	if stats.Candidates > 0 {
		log.Printf(
			"materialize %s: %d inserted, %d skipped, %d rejected in %s",
			stats.Mode, stats.Inserted, stats.Skipped, stats.Rejected,
			stats.Duration.Round(time.Millisecond),
		)
	}
}

func (e *Engine) materialize(
	ctx context.Context, opts Options, legacy bool,
	insert insertFunc, stats *Stats,
) error {
	// Opens before From cannot fall in the window and closes are
	// needed past To, so only the lower bound is pushed to SQL.
	convEvents, err := e.db.ConversationEvents(ctx, db.EventQuery{
		AccountID:       opts.AccountID,
		ConversationIDs: opts.Conversations,
		Types:           interval.ConversationStream.Types(),
		From:            opts.From,
		IncludeLegacy:   legacy,
	})
	if err != nil {
		return err
	}
	convs, err := interval.PairAll(
		ctx, convEvents, interval.ConversationStream,
		opts.window(), e.workers,
	)
	if err != nil {
		return err
	}

	closed := convs[:0]
	for _, c := range convs {
		if c.Open {
			stats.Open++
			continue
		}
		closed = append(closed, c)
	}
	stats.Candidates = len(closed)
	if len(closed) == 0 {
		return nil
	}

	ids := conversationIDs(closed)
	existing, err := e.db.ReportKeys(ctx, ids)
	if err != nil {
		return err
	}
	pending := closed[:0]
	for _, c := range closed {
		k := db.ReportKey{
			ConversationID: c.EntityID,
			OpenedAt:       timeutil.Store(c.Start),
		}
		if existing[k] {
			stats.Skipped++
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return nil
	}

	ids = conversationIDs(pending)
	joinEvents, err := e.db.ConversationEvents(ctx, db.EventQuery{
		ConversationIDs: ids,
		Types:           interval.ParticipantStream.Types(),
		IncludeLegacy:   legacy,
	})
	if err != nil {
		return err
	}
	joins, err := interval.PairAll(
		ctx, joinEvents, interval.ParticipantStream, nil, e.workers,
	)
	if err != nil {
		return err
	}
	meta, err := e.db.ConversationMeta(ctx, ids)
	if err != nil {
		return err
	}

	recs, err := e.build(ctx, pending, interval.GroupByEntity(joins), meta)
	if err != nil {
		return err
	}
	stats.Rejected += len(pending) - len(recs)

	for i := 0; i < len(recs); i += batchSize {
		end := min(i+batchSize, len(recs))
		res, err := insert(ctx, recs[i:end])
		if err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}
		stats.Inserted += res.Inserted
		stats.Skipped += res.Conflicts
		stats.Rejected += res.Rejected
	}
	return nil
}

type buildJob struct {
	index int
	conv  interval.Interval
}

type buildResult struct {
	index int
	rec   report.Record
	ok    bool
}

// build derives records on the worker pool, keeping input order.
func (e *Engine) build(
	ctx context.Context,
	convs []interval.Interval,
	joins map[string][]interval.Interval,
	meta map[string]report.Meta,
) ([]report.Record, error) {
	jobs := make(chan buildJob, len(convs))
	results := make(chan buildResult, len(convs))

	for range min(e.workers, len(convs)) {
		go func() {
			for j := range jobs {
				if ctx.Err() != nil {
					results <- buildResult{index: j.index}
					continue
				}
				nested := interval.Clip(
					j.conv, joins[j.conv.EntityID],
					interval.ClipOptions{StartWithin: true},
				)
				rec, built := report.Build(j.conv, nested, meta[j.conv.EntityID])
				results <- buildResult{index: j.index, rec: rec, ok: built}
			}
		}()
	}
	for i, c := range convs {
		jobs <- buildJob{index: i, conv: c}
	}
	close(jobs)

	byIndex := make([]buildResult, len(convs))
	for range convs {
		r := <-results
		byIndex[r.index] = r
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Conversations without a metadata row have no account and
	// are not reportable.
	out := make([]report.Record, 0, len(convs))
	for _, r := range byIndex {
		if r.ok && r.rec.AccountID != "" {
			out = append(out, r.rec)
		}
	}
	return out, nil
}

func conversationIDs(ivs []interval.Interval) []string {
	seen := make(map[string]bool, len(ivs))
	var ids []string
	for _, iv := range ivs {
		if !seen[iv.EntityID] {
			seen[iv.EntityID] = true
			ids = append(ids, iv.EntityID)
		}
	}
	sort.Strings(ids)
	return ids
}

func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "database"
	}
}

// Loop runs RunIncremental every interval until ctx is done.
// Failed runs are logged and retried on the next tick.
func (e *Engine) Loop(
	ctx context.Context, every time.Duration, opts Options,
) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.RunIncremental(ctx, opts)
		}
	}
}
