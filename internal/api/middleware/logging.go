package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const agentLogKey contextKey = "agent_log"

// agentLog is a slot the auth middleware fills in so the request
// logger, which wraps it from the outside, can attribute the request.
type agentLog struct {
	id string
}

// ReportAgent records the authenticated agent for the request log line.
// A no-op outside a logged request.
func ReportAgent(ctx context.Context, agentID string) {
	if slot, ok := ctx.Value(agentLogKey).(*agentLog); ok {
		slot.id = agentID
	}
}

// Logger returns a request logging middleware using zerolog. Requests
// that pass authentication are logged with the agent identity.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			slot := &agentLog{}
			r = r.WithContext(context.WithValue(r.Context(), agentLogKey, slot))

			defer func() {
				evt := logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr)
				if slot.id != "" {
					evt = evt.Str("agent_id", slot.id)
				}
				evt.Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
