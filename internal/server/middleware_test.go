package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJSONOnStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantCT   string
	}{
		{
			name: "LabelsTriggerStatus",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, `{"error":"query timed out"}`)
			},
			wantCode: http.StatusServiceUnavailable,
			wantCT:   "application/json",
		},
		{
			name: "KeepsHandlerContentType",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantCode: http.StatusServiceUnavailable,
			wantCT:   "text/plain",
		},
		{
			name: "ImplicitOKUntouched",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				io.WriteString(w, "ok")
			},
			wantCode: http.StatusOK,
		},
		{
			name: "SecondWriteHeaderIgnored",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(&jsonOnStatus{
				ResponseWriter: rec,
				status:         http.StatusServiceUnavailable,
			}, httptest.NewRequest(http.MethodGet, "/", nil))

			assertRecorderStatus(t, rec, tt.wantCode)
			if tt.wantCT == "" {
				if ct := rec.Header().Get("Content-Type"); ct == "application/json" {
					t.Errorf("Content-Type = %q on status %d", ct, tt.wantCode)
				}
				return
			}
			assertContentType(t, rec, tt.wantCT)
		})
	}
}

// TestWithTimeoutTriggersOnSlowHandler verifies that withTimeout produces a
// 503 JSON timeout response when the handler exceeds the configured duration.
func TestWithTimeoutTriggersOnSlowHandler(t *testing.T) {
	t.Parallel()

	srv := testServer(t, 10*time.Millisecond)

	// Handler that blocks well past the timeout.
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		// If we reach here after context cancel, TimeoutHandler
		// already wrote the 503.
	})

	handler := srv.withTimeout(slow)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	assertTimeoutResponse(t, resp)
}

// TestRoutesTimeoutWiring verifies that report routes are wrapped
// with timeout middleware (positive assertion) and that metrics
// and materialization are NOT wrapped (negative assertion).
func TestRoutesTimeoutWiring(t *testing.T) {
	t.Parallel()

	// Positive: wrapped routes must produce a timeout when
	// the handler is slow. Inject a 100ms handler delay
	// with a 10ms timeout so the handler always exceeds
	// the deadline regardless of platform timer resolution.
	t.Run("WrappedRoutesTimeout", func(t *testing.T) {
		t.Parallel()
		srv := testServerOpts(
			t, 10*time.Millisecond,
			withHandlerDelay(100*time.Millisecond),
		)

		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		wrapped := []struct {
			name string
			path string
		}{
			{"ResponseTimes", "/api/v1/reports/users/response-times"},
			{"Live", "/api/v1/reports/conversations/live"},
			{"MaterializeStatus", "/api/v1/materialize/status"},
		}

		for _, tt := range wrapped {
			t.Run(tt.name, func(t *testing.T) {
				resp, err := ts.Client().Get(ts.URL + tt.path)
				if err != nil {
					t.Fatalf("request failed: %v", err)
				}
				defer resp.Body.Close()

				if !isTimeoutResponse(t, resp) {
					t.Errorf(
						"%s: expected timeout 503, got %d",
						tt.path, resp.StatusCode,
					)
				}
			})
		}
	})

	// Negative: unwrapped routes must NOT produce a timeout
	// response even with the handler delay in place.
	t.Run("UnwrappedRoutesNoTimeout", func(t *testing.T) {
		t.Parallel()
		srv := testServerOpts(
			t, 10*time.Millisecond,
			withHandlerDelay(100*time.Millisecond),
		)

		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		unwrapped := []struct {
			name       string
			method     string
			path       string
			wantStatus int
		}{
			{"Metrics", http.MethodGet, "/metrics", http.StatusOK},
			{"Materialize", http.MethodPost, "/api/v1/materialize",
				http.StatusOK},
		}

		for _, tt := range unwrapped {
			t.Run(tt.name, func(t *testing.T) {
				req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
				if err != nil {
					t.Fatalf("creating request: %v", err)
				}
				req.Header.Set(HeaderAccountID, "a1")
				resp, err := ts.Client().Do(req)
				if err != nil {
					t.Fatalf("request failed: %v", err)
				}
				defer resp.Body.Close()

				if isTimeoutResponse(t, resp) {
					t.Errorf(
						"%s: unexpected timeout for unwrapped route",
						tt.path,
					)
				}
				if resp.StatusCode != tt.wantStatus {
					t.Errorf(
						"%s: status = %d, want %d",
						tt.path, resp.StatusCode, tt.wantStatus,
					)
				}
			})
		}
	})
}

func TestWithTimeoutDisabled(t *testing.T) {
	t.Parallel()

	s := &Server{}
	called := false
	h := s.withTimeout(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler not called")
	}
	assertRecorderStatus(t, w, http.StatusTeapot)
}
