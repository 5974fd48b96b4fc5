// Package observability sets up structured logging and exposes process
// health numbers for the health endpoint.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig selects the log handlers.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json (default) or text
	File   string // optional JSON log file, appended
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetupLogger builds the process logger: a handler on w (stderr when nil)
// in the configured format, fanned out to a JSON file when cfg.File is
// set. The returned closer flushes and closes the file.
func SetupLogger(cfg LogConfig, w io.Writer) (*slog.Logger, func() error, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var console slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		console = slog.NewTextHandler(w, opts)
	} else {
		console = slog.NewJSONHandler(w, opts)
	}

	if cfg.File == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("observability: log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: open log file: %w", err)
	}
	handler := slogmulti.Fanout(console, slog.NewJSONHandler(f, opts))
	return slog.New(handler), f.Close, nil
}
