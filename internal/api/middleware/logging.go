// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/repobox/control-plane/pkg/logger"
)

// RequestLogger logs one line per completed request and threads the
// chi request ID into the context, so handler logs built with
// logger.WithContext carry it too. Server errors log at error level,
// client errors at warn.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := chimiddleware.GetReqID(r.Context())
			ctx := logger.ContextWithRequestID(r.Context(), reqID)
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				// Handler never wrote a header.
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			log.Log(ctx, level, "http request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes_out", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}
