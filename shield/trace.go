package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
)

const maxTraceIDLen = 64

// TraceID tags each request with a trace id: the caller's X-Trace-ID when
// it is usable, a fresh idgen.TraceID otherwise. The id goes into the
// context (kit.GetTraceID), the response header and a request logger
// derived from logger.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	return traceWith(logger, idgen.TraceID)
}

func traceWith(logger *slog.Logger, newID idgen.Generator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Trace-ID")
			if id == "" || len(id) > maxTraceIDLen {
				id = newID()
			}
			w.Header().Set("X-Trace-ID", id)

			reqLog := logger.With("trace_id", id, "method", r.Method, "path", r.URL.Path)
			reqLog.Debug("request", "remote_addr", r.RemoteAddr)

			ctx := context.WithValue(kit.WithTraceID(r.Context(), id), loggerKey{}, reqLog)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
