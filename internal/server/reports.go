package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/analytics"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
)

// reportFunc is one analytics.Service report method.
type reportFunc func(
	context.Context, analytics.Request,
) (analytics.Response, error)

// report adapts a report method to an HTTP handler.
func (s *Server) report(fn reportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := parseReportRequest(w, r)
		if !ok {
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleMaterialize runs an incremental materialization for the
// caller's account, optionally limited to some conversations.
func (s *Server) handleMaterialize(
	w http.ResponseWriter, r *http.Request,
) {
	scope, ok := callerScope(w, r)
	if !ok {
		return
	}
	force, ok := parseBoolParam(w, r, "force")
	if !ok {
		return
	}
	if force != nil && *force {
		writeError(w, http.StatusBadRequest,
			"full backfill is only available from the backfill command")
		return
	}
	stats, err := s.engine.RunIncremental(r.Context(), materialize.Options{
		AccountID:     scope.AccountID,
		Conversations: listParam(r, "conversations"),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("materialize %s: %v", scope.AccountID, err)
		writeError(w, http.StatusInternalServerError,
			"internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMaterializeStatus(
	w http.ResponseWriter, _ *http.Request,
) {
	lastRun := s.engine.LastRun()
	stats := s.engine.LastStats()

	var lastRunStr string
	if !lastRun.IsZero() {
		lastRunStr = lastRun.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"last_run": lastRunStr,
		"stats":    stats,
	})
}
