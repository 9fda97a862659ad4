package analytics

import (
	"context"

	"github.com/talkmetrics/talkmetrics/internal/aggregate"
	"github.com/talkmetrics/talkmetrics/internal/db"
	"github.com/talkmetrics/talkmetrics/internal/interval"
	"github.com/talkmetrics/talkmetrics/internal/report"
)

// ResponseTimes reports how quickly users answered and how long
// they talked.
func (s *Service) ResponseTimes(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "response_times", req, &aggregate.ResponseTimeSorts,
		func(ctx context.Context, q *query) (Response, error) {
			recs, err := s.records(ctx, q)
			if err != nil {
				return Response{}, err
			}
			rows := aggregate.ResponseTimes(q.users, recs)
			chart := func(id string) aggregate.Series {
				return q.chart(
					aggregate.ResponseTimeChart(id, recs, q.loc()),
					aggregate.ResponseTimeMetrics, false,
				)
			}
			if q.single() {
				for i := range rows {
					avg := aggregate.AvgPerDay(chart(rows[i].ID), "conversations")
					rows[i].AvgConversationsPerDay = &avg
				}
			}
			return shape(q, rows, chart)
		})
}

// Performance reports answered conversations and ratings per
// user.
func (s *Service) Performance(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "performance", req, &aggregate.PerformanceSorts,
		func(ctx context.Context, q *query) (Response, error) {
			recs, err := s.records(ctx, q)
			if err != nil {
				return Response{}, err
			}
			reviews, err := s.reviews(ctx, q, recs)
			if err != nil {
				return Response{}, err
			}
			rows := aggregate.Performance(q.users, recs, reviews)
			return shape(q, rows, func(id string) aggregate.Series {
				return q.chart(
					aggregate.PerformanceChart(id, recs, reviews, q.loc()),
					aggregate.PerformanceMetrics, false,
				)
			})
		})
}

// Satisfaction reports review scores per user.
func (s *Service) Satisfaction(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "satisfaction", req, &aggregate.SatisfactionSorts,
		func(ctx context.Context, q *query) (Response, error) {
			recs, err := s.records(ctx, q)
			if err != nil {
				return Response{}, err
			}
			reviews, err := s.reviews(ctx, q, recs)
			if err != nil {
				return Response{}, err
			}
			rows := aggregate.Satisfaction(q.users, recs, reviews)
			return shape(q, rows, func(id string) aggregate.Series {
				return q.chart(
					aggregate.SatisfactionChart(id, recs, reviews, q.loc()),
					aggregate.SatisfactionMetrics, true,
				)
			})
		})
}

// OnlineDurations reports presence time per user, paired from
// the raw presence event log. It does not read report records.
func (s *Service) OnlineDurations(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "online_durations", req, &aggregate.OnlineSorts,
		func(ctx context.Context, q *query) (Response, error) {
			ids := make([]string, len(q.users))
			for i, u := range q.users {
				ids[i] = u.ID
			}
			if len(ids) == 0 {
				return shape(q, []aggregate.PresenceRow{}, nil)
			}
			types := append(interval.OnlineStream.Types(), interval.AwayStream.Types()...)
			events, err := s.db.UserEvents(ctx, db.EventQuery{
				AccountID: q.scope.AccountID,
				UserIDs:   ids,
				Types:     types,
				From:      q.from,
			})
			if err != nil {
				return Response{}, err
			}
			online, err := interval.PairAll(ctx, events, interval.OnlineStream, q.window(), 0)
			if err != nil {
				return Response{}, err
			}
			away, err := interval.PairAll(ctx, events, interval.AwayStream, q.window(), 0)
			if err != nil {
				return Response{}, err
			}
			rows := aggregate.OnlineDurations(q.users, online, away)
			return shape(q, rows, func(id string) aggregate.Series {
				return q.chart(
					aggregate.OnlineChart(id, online, away, q.loc()),
					aggregate.OnlineMetrics, true,
				)
			})
		})
}

// ConversationsSummary counts missed and completed
// conversations, optionally grouped by department and agent.
// Without group_by the data is a single summary object.
func (s *Service) ConversationsSummary(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "conversations_summary", req, nil,
		func(ctx context.Context, q *query) (Response, error) {
			recs, err := s.records(ctx, q)
			if err != nil {
				return Response{}, err
			}
			sums := aggregate.Summarize(recs, q.groupBy)
			if len(q.groupBy) == 0 {
				return Response{Data: sums[0]}, nil
			}
			return Response{Data: sums}, nil
		})
}

// ConversationsDetailed returns headline statistics, a daily
// served/missed chart, the response-time histogram and the
// leaderboard.
func (s *Service) ConversationsDetailed(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "conversations_detailed", req, nil,
		func(ctx context.Context, q *query) (Response, error) {
			recs, err := s.records(ctx, q)
			if err != nil {
				return Response{}, err
			}
			reviews, err := s.reviews(ctx, q, recs)
			if err != nil {
				return Response{}, err
			}
			// Leaderboard names cover anyone who answered, not only
			// the filtered roster.
			users := q.users
			if len(q.filter.Users) > 0 || len(q.filter.Departments) > 0 {
				all, err := s.db.AccountUsers(ctx, q.scope.AccountID, nil)
				if err != nil {
					return Response{}, err
				}
				users = make([]aggregate.User, len(all))
				for i, u := range all {
					users[i] = aggregate.User{ID: u.ID, Name: u.Name}
				}
			}
			d := aggregate.Detail(recs, reviews, users, q.loc())
			d.Chart = q.chart(d.Chart, aggregate.DetailedMetrics, true)
			return Response{Data: d}, nil
		})
}

// LiveConversations is the raw-event view of conversations.
type LiveConversations struct {
	Counts        aggregate.LiveCounts          `json:"counts"`
	Summary       aggregate.ConversationSummary `json:"summary"`
	Conversations []report.Record               `json:"conversations"`
}

// Live computes conversations straight from the event log,
// without materialization, under the same filter. Counts cover
// conversations open right now; records cover closed
// conversations opened within the filter dates.
func (s *Service) Live(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, "live", req, nil,
		func(ctx context.Context, q *query) (Response, error) {
			convEvents, err := s.db.ConversationEvents(ctx, db.EventQuery{
				AccountID:       q.scope.AccountID,
				ConversationIDs: q.filter.Conversations,
				Types:           interval.ConversationStream.Types(),
			})
			if err != nil {
				return Response{}, err
			}
			convs, err := interval.PairAll(ctx, convEvents, interval.ConversationStream, nil, 0)
			if err != nil {
				return Response{}, err
			}

			ids := make([]string, 0, len(convs))
			seen := make(map[string]bool, len(convs))
			for _, c := range convs {
				if !seen[c.EntityID] {
					seen[c.EntityID] = true
					ids = append(ids, c.EntityID)
				}
			}
			var joinEvents []interval.Event
			var meta map[string]report.Meta
			if len(ids) > 0 {
				joinEvents, err = s.db.ConversationEvents(ctx, db.EventQuery{
					ConversationIDs: ids,
					Types:           interval.ParticipantStream.Types(),
				})
				if err != nil {
					return Response{}, err
				}
				meta, err = s.db.ConversationMeta(ctx, ids)
				if err != nil {
					return Response{}, err
				}
			}
			joins, err := interval.PairAll(ctx, joinEvents, interval.ParticipantStream, nil, 0)
			if err != nil {
				return Response{}, err
			}

			built := report.BuildFromEvents(convEvents, joinEvents, meta, q.window())
			recs := make([]report.Record, 0, len(built))
			for i := range built {
				if q.pred.Match(&built[i]) {
					recs = append(recs, built[i])
				}
			}
			return Response{Data: LiveConversations{
				Counts:        aggregate.Live(convs, joins),
				Summary:       aggregate.Summarize(recs, nil)[0],
				Conversations: recs,
			}}, nil
		})
}
