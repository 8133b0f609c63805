package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"qms/dispatch-service/internal/telemetry"

	"github.com/go-chi/chi/v5/middleware"
)

func LoggingMiddleware(logger *slog.Logger, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(writer, r)

			status := writer.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTPRequest(r.Context(), status)

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"agency", r.Header.Get("X-Agency-ID"),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
