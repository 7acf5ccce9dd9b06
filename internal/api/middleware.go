package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// RequestLogger puts chi's request id on the context for downstream loggers
// and writes one access line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			if reqID != "" {
				w.Header().Set("X-Request-Id", reqID)
				r = r.WithContext(logger.ContextWithRequestID(r.Context(), reqID))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			}
			l := log.FromContext(r.Context())
			switch {
			case status >= 500:
				l.Error("request", attrs...)
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				l.Debug("request", attrs...)
			default:
				l.Info("request", attrs...)
			}
		})
	}
}
