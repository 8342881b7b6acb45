// Package logging builds the slog logger shared by the CLI, the
// orchestrator and the backends.
package logging

import (
	"io"
	"log/slog"
)

// Options selects the handler and its threshold.
type Options struct {
	// Level is the lowest level written.
	Level slog.Level

	// JSON selects the JSON handler instead of the text handler.
	JSON bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
