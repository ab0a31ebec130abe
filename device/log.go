package device

import "log/slog"

// logger is the package-wide structured logger. Defaults to slog.Default();
// the runtime may swap in its own handler via SetLogger.
var logger = slog.Default()

// SetLogger routes the package's logging through l.
func SetLogger(l *slog.Logger) { logger = l }
