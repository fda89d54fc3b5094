package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/super-hydro/superhydro/pkg/logger"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})
	log := logger.NewWithWriter(io.Discard, logger.LevelError)

	tests := []struct {
		name     string
		handler  http.Handler
		header   string
		validate func(t *testing.T, id string)
	}{
		{
			name:    "client header wins",
			handler: middleware.RequestID(RequestIDMiddleware(inner)),
			header:  "abc-123",
			validate: func(t *testing.T, id string) {
				if id != "abc-123" {
					t.Errorf("expected abc-123, got %q", id)
				}
			},
		},
		{
			name:    "reuses chi request id",
			handler: middleware.RequestID(RequestIDMiddleware(LoggingMiddleware(log)(inner))),
			validate: func(t *testing.T, id string) {
				if id == "" {
					t.Errorf("expected an id")
				}
			},
		},
		{
			name:    "generates without chi",
			handler: RequestIDMiddleware(inner),
			validate: func(t *testing.T, id string) {
				if len(id) != 36 {
					t.Errorf("expected a uuid, got %q", id)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			tt.handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got != seen {
				t.Errorf("response header %q does not match handler id %q", got, seen)
			}
			tt.validate(t, got)
		})
	}

	// With chi in front, the handler sees chi's id rather than a second one.
	chiInner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) != middleware.GetReqID(r.Context()) {
			t.Errorf("expected chi's id %q, got %q", middleware.GetReqID(r.Context()), GetRequestID(r.Context()))
		}
	})
	middleware.RequestID(RequestIDMiddleware(chiInner)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
