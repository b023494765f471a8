package logger

import (
	"context"
	"io"
	"log/slog"
)

// levelColors maps slog levels to ANSI escape codes for console output.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

const ansiReset = "\033[0m"

// ConsoleHandler wraps slog.TextHandler to prefix each record's level with
// an ANSI color, used for procsupd's interactive stderr output.
type ConsoleHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler builds a ConsoleHandler writing to w.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	return &ConsoleHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
