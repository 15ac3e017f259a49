// Package logutil provides the slog setup shared by the engine and its
// control surface, plus a trace level below Debug for the step loop's
// per-batch bookkeeping.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below slog.LevelDebug so per-step scheduling detail can be
// enabled independently of regular debug logging.
const LevelTrace = slog.Level(-8)

// NewLogger builds the process-wide logger. Level controls the minimum
// level written to w; LevelTrace is only emitted when traceEnabled is true
// regardless of level, since it is noisy even compared to Debug.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}))
}

var traceEnabled = os.Getenv("BATCHENGINE_TRACE") != ""

// Trace logs step-loop internals (batch ids, slot indices) when tracing is
// enabled via BATCHENGINE_TRACE. It is a no-op otherwise so the hot path of
// batch assembly never pays for string formatting.
func Trace(msg string, args ...any) {
	if !traceEnabled {
		return
	}
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}
