package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/api/middleware"
)

type logFieldsKey struct{}

// logFields collects attributes handlers add while serving a request.
// A websocket handler keeps adding turn fields after the upgrade, so
// access is locked.
type logFields struct {
	mu    sync.Mutex
	attrs []slog.Attr
	index map[string]int
}

func (f *logFields) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.index[key]; ok {
		f.attrs[i] = slog.String(key, value)
		return
	}
	f.index[key] = len(f.attrs)
	f.attrs = append(f.attrs, slog.String(key, value))
}

func (f *logFields) snapshot() []slog.Attr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slog.Attr(nil), f.attrs...)
}

// LoggingMiddleware emits one record per request once it completes. Server
// errors log at error level and client errors at warn. Fields added with
// AddLogField (session_id, turn_id, error) are appended.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := &logFields{index: make(map[string]int)}
			ctx := context.WithValue(r.Context(), logFieldsKey{}, fields)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r.WithContext(ctx))

			attrs := append([]slog.Attr{
				slog.String("request_id", middleware.GetRequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)),
			}, fields.snapshot()...)
			logger.LogAttrs(ctx, levelForStatus(sw.status), "request completed", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader. The request is
// logged with status 101 when the socket closes.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// AddLogField records key=value on the request log line. Empty values are
// skipped and a repeated key keeps the latest value. Without
// LoggingMiddleware it does nothing.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if fields, ok := ctx.Value(logFieldsKey{}).(*logFields); ok {
		fields.set(key, value)
	}
}

// AddError records err under "error".
func AddError(ctx context.Context, err error) {
	if err != nil {
		AddLogField(ctx, "error", err.Error())
	}
}
