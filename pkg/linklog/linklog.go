// Package linklog configures the linker's structured logger: a
// stderr text handler by default, raised to Debug under --verbose, and
// fanned out to an additional JSON file handler when --log-file is set
// (§6A). Fan-out uses samber/slog-multi rather than hand-rolling a
// multi-handler, the same way the teacher wires cross-cutting log
// destinations.
package linklog

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures New.
type Options struct {
	// Verbose raises the stderr handler's level to Debug.
	Verbose bool

	// LogFile, if non-nil, receives a second, JSON-formatted copy of
	// every log record regardless of Verbose (file logs always carry
	// Debug detail, since they are read later rather than watched live).
	LogFile io.Writer
}

// New builds the logger described in Options.
func New(opts Options) *slog.Logger {
	stderrLevel := slog.LevelInfo
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: stderrLevel}),
	}
	if opts.LogFile != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.LogFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
