package hotpatch

import (
	"log/slog"

	"github.com/k2io/hotpatch/internal/logging"
)

// SetDebug turns debug records of the default logger on or off.
func SetDebug(x bool) {
	logging.SetDebug(x)
}

// SetLogger sends all records to l. A nil l silences the package.
func SetLogger(l *slog.Logger) {
	logging.SetLogger(l)
}
