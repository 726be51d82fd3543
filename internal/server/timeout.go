package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// errRequestTimeout is the cancellation cause set by TimeoutMiddleware.
var errRequestTimeout = errors.New("request timed out")

// timedOut reports whether ctx ended because of TimeoutMiddleware.
func timedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errRequestTimeout)
}

// TimeoutMiddleware cancels the request context after timeout. Handlers
// return when their context ends; a turn that already produced a reply is
// still committed because the orchestrator persists on its own deadline.
// A non-positive timeout returns next unchanged.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), timeout, errRequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
