package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// RequestIDKey is the context key for request ID
type RequestIDKey struct{}

// RequestIDMiddleware settles one id per request and echoes it in the
// X-Request-ID response header. A client supplied header wins, then the id
// chi's middleware.RequestID already assigned, then a fresh uuid.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(middleware.RequestIDHeader)
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(middleware.RequestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), RequestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes one access log line per request; 5xx responses
// are logged at error level.
func LoggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			level := logger.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = logger.LevelError
			}
			log.Log(level, "HTTP request",
				logger.F("method", r.Method),
				logger.F("path", r.URL.Path),
				logger.F("status", strconv.Itoa(ww.Status())),
				logger.F("bytes", strconv.Itoa(ww.BytesWritten())),
				logger.F("duration_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10)),
				logger.F("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// GetRequestID returns the request's id, falling back to chi's.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return id
	}
	return middleware.GetReqID(ctx)
}
