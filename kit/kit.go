// Package kit holds the transport-agnostic endpoint shape shared by the
// HTTP API, the MCP tools and the CLI, plus the caller identity that
// travels with each call in its context.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one service operation: decoded request in, response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}

// Logging records each call of endpoint name: a warning on failure, a
// debug line otherwise.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			attrs := append([]any{"endpoint", name, "duration", time.Since(start)}, CallerFrom(ctx).LogAttrs()...)
			level, msg := slog.LevelDebug, "endpoint"
			if err != nil {
				level, msg = slog.LevelWarn, "endpoint failed"
				attrs = append(attrs, "error", err)
			}
			logger.Log(ctx, level, msg, attrs...)
			return resp, err
		}
	}
}
