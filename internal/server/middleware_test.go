package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/api/middleware"
	"github.com/tjfontaine/npc-trainer/internal/core/domain"
)

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := middleware.RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	req := httptest.NewRequest("GET", "/v1/sessions/abc/budget", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	output := buf.String()
	for _, want := range []string{"level=WARN", "request completed", "/v1/sessions/abc/budget", "status=418", "request_id="} {
		if !strings.Contains(output, want) {
			t.Errorf("log output missing %q: %s", want, output)
		}
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session_id", "sess-1")
		AddLogField(r.Context(), "turn_id", "")
		w.WriteHeader(http.StatusOK)
	})
	LoggingMiddleware(logger)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "session_id=sess-1") {
		t.Errorf("expected session_id in log output, got: %s", output)
	}
	if strings.Contains(output, "turn_id") {
		t.Errorf("empty field should not be logged, got: %s", output)
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusConflict, "level=WARN"},
		{http.StatusBadGateway, "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf strings.Builder
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("log output = %s, want %s", buf.String(), tt.want)
			}
		})
	}
}

func TestAddLogField_LastValueWins(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "turn_id", "1")
		AddLogField(r.Context(), "turn_id", "2")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	out := buf.String()
	if strings.Count(out, "turn_id=") != 1 || !strings.Contains(out, "turn_id=2") {
		t.Errorf("log output = %s, want a single turn_id=2", out)
	}
}

func TestAddLogField_NoMiddleware(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), errors.New("boom"))
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), nil)
		AddError(r.Context(), errors.New("snapshot backend down"))
		w.WriteHeader(http.StatusInternalServerError)
	})
	LoggingMiddleware(logger)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "snapshot backend down") {
		t.Errorf("expected error in log output, got: %s", buf.String())
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	})

	TimeoutMiddleware(5*time.Second)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hasDeadline {
		t.Fatal("expected a deadline on the request context")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 5*time.Second {
		t.Errorf("deadline remaining = %v, want within 5s", remaining)
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("expected no deadline when timeout is zero")
		}
	})
	TimeoutMiddleware(0)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestTimeoutMiddleware_ReportsTimeout(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		writeError(w, r, r.Context().Err())
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(10*time.Millisecond)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "request timed out") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTimedOut_ClientCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if timedOut(ctx) {
		t.Error("timedOut() = true for a client cancellation")
	}
}

// =============================================================================
// Rate limiting Tests
// =============================================================================

func TestClientLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewClientLimiter(1, 2)
	l.now = func() time.Time { return now }

	tests := []struct {
		key           string
		wantAllowed   bool
		wantRemaining int
	}{
		{"10.0.0.1", true, 1},
		{"10.0.0.1", true, 0},
		{"10.0.0.1", false, 0},
		{"10.0.0.2", true, 1},
	}
	for i, tt := range tests {
		allowed, remaining := l.Allow(tt.key)
		if allowed != tt.wantAllowed || remaining != tt.wantRemaining {
			t.Errorf("call %d Allow(%q) = (%v, %d), want (%v, %d)", i, tt.key, allowed, remaining, tt.wantAllowed, tt.wantRemaining)
		}
	}

	now = now.Add(time.Second)
	if allowed, _ := l.Allow("10.0.0.1"); !allowed {
		t.Error("expected a refilled token after one second")
	}
}

func TestClientLimiter_SweepsIdleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	now = now.Add(clientIdleTTL + time.Minute)
	l.Allow("active")

	if _, ok := l.clients["idle"]; ok {
		t.Error("idle client bucket was not swept")
	}
	if len(l.clients) != 1 {
		t.Errorf("len(clients) = %d, want 1", len(l.clients))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewClientLimiter(0.001, 1)
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RateLimitMiddleware(l)(testHandler)

	first := httptest.NewRecorder()
	wrapped.ServeHTTP(first, httptest.NewRequest("GET", "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}
	checkHeader(t, first, "x-ratelimit-limit-requests", "1")
	checkHeader(t, first, "x-ratelimit-remaining-requests", "0")

	second := httptest.NewRecorder()
	wrapped.ServeHTTP(second, httptest.NewRequest("GET", "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	checkHeader(t, second, "Retry-After", "1")

	var body errorResponse
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != domain.CodeRateLimited {
		t.Errorf("error code = %q, want %q", body.Error.Code, domain.CodeRateLimited)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if got := clientKey(req); got != tt.want {
			t.Errorf("clientKey(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://example.com", true},
		{"other host", "http://evil.test", false},
		{"bad origin", "://", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/v1/sessions/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := sameOrigin(req); got != tt.want {
				t.Errorf("sameOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, key, want string) {
	t.Helper()
	if got := rec.Header().Get(key); got != want {
		t.Errorf("header %s = %q, want %q", key, got, want)
	}
}
