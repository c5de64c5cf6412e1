// Package logging holds the process-wide logger shared by the hooking engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	root  atomic.Pointer[slog.Logger]
	level = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelWarn)
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return root.Load()
}

// SetLogger replaces the logger. A nil logger discards everything.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root.Store(l)
}

// SetDebug toggles debug records on the default handler.
func SetDebug(x bool) {
	if x {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelWarn)
	}
}

// Debug reports whether debug records are enabled on the default handler.
func Debug() bool {
	return level.Level() <= slog.LevelDebug
}
