package kit

import (
	"context"
	"log/slog"
)

// Transports a call can arrive through.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
)

type (
	userKey      struct{}
	transportKey struct{}
	traceKey     struct{}
)

// WithUserID records who is calling: the basic-auth user, "cron" for the
// bearer-token trigger, or the OS user for the CLI.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey{}, t)
}

// GetTransport defaults to TransportHTTP.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey{}).(string); ok && v != "" {
		return v
	}
	return TransportHTTP
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey{}).(string)
	return v
}

// Caller is everything the context says about the origin of a call.
type Caller struct {
	UserID    string
	Transport string
	TraceID   string
}

func CallerFrom(ctx context.Context) Caller {
	return Caller{UserID: GetUserID(ctx), Transport: GetTransport(ctx), TraceID: GetTraceID(ctx)}
}

// LogAttrs renders the non-empty fields as slog key/value pairs.
func (c Caller) LogAttrs() []any {
	attrs := []any{slog.String("transport", c.Transport)}
	if c.UserID != "" {
		attrs = append(attrs, slog.String("user", c.UserID))
	}
	if c.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", c.TraceID))
	}
	return attrs
}
