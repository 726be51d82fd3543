package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{name: "generates id"},
		{name: "keeps inbound id", inbound: "req-123", keep: true},
		{name: "keeps trace-style id", inbound: "web:4f2a.9", keep: true},
		{name: "replaces id with spaces", inbound: "req 123"},
		{name: "replaces oversized id", inbound: strings.Repeat("a", maxRequestIDLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("%s = %q, context has %q", RequestIDHeader, got, seen)
			}
			if tt.keep {
				if seen != tt.inbound {
					t.Errorf("request id = %q, want %q", seen, tt.inbound)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("request id = %q, want a generated UUID", seen)
			}
		})
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}
