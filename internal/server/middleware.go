package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/analytics"
)

// jsonError is the standard JSON error response.
type jsonError struct {
	Error string `json:"error"`
}

// timeoutBody is written when a handler outlives the write
// timeout. It carries the same message as a query that hit the
// service timeout, so clients see one error either way.
var timeoutBody = func() string {
	b, _ := json.Marshal(jsonError{Error: analytics.ErrTimeout.Error()})
	return string(b)
}()

// withTimeout bounds h by the configured write timeout and
// answers 503 JSON when it runs over. A zero timeout leaves h
// unwrapped.
func (s *Server) withTimeout(h http.HandlerFunc) http.Handler {
	if s.cfg.WriteTimeout <= 0 {
		return h
	}
	if d := s.handlerDelay; d > 0 {
		next := h
		h = func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(d)
			next(w, r)
		}
	}

	th := http.TimeoutHandler(h, s.cfg.WriteTimeout, timeoutBody)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		th.ServeHTTP(&jsonOnStatus{
			ResponseWriter: w,
			status:         http.StatusServiceUnavailable,
		}, r)
	})
}

// jsonOnStatus labels a response as JSON when it is written with
// status and has no Content-Type of its own. http.TimeoutHandler
// writes its body without one.
type jsonOnStatus struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *jsonOnStatus) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if h := w.Header(); code == w.status && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *jsonOnStatus) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
