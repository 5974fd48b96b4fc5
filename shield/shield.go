// Package shield is the HTTP middleware in front of the announcement API:
// response headers, body limits, request tracing, HEAD handling and the
// admin and cron credentials.
//
//	r := chi.NewRouter()
//	r.Use(shield.APIStack(logger)...)
//	r.With(shield.BearerToken(secret)).Post("/cron", tick)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type loggerKey struct{}

// DefaultMaxBody bounds JSON request bodies.
const DefaultMaxBody = 64 << 10

// APIStack is the middleware every API route runs behind, outermost
// first.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		APIHeaders.Set(),
		TraceID(logger),
		MaxBody(DefaultMaxBody),
	}
}

// GetLogger returns the request logger TraceID installed, or
// slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
