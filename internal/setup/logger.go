package setup

import (
	"log/slog"
	"sync/atomic"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger routes setup messages to logger. A nil logger restores the
// process default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}
