// Package logutil builds the structured logger used across llamacore:
// a text slog.Handler with source-file trimming and a trace level below
// slog.LevelDebug for per-step dispatch/matmul tracing, adapted from the
// teacher's logutil package.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// LevelTrace sits below slog.LevelDebug for the forward engine's per-layer
// dispatch tracing (§4.5), which is too chatty to leave at Debug.
const LevelTrace slog.Level = -8

// NewLogger builds a text-handler logger writing to w at level, trimming
// source file paths to their base name and rendering LevelTrace as "TRACE".
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

type key string

// Trace logs at LevelTrace against the default logger.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := goruntime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
