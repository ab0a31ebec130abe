// Package host implements the server side of the protocol: song
// configuration, Standard MIDI File parsing, the framed serial client that
// drives a device, and a live-input session mode.
package host

import "log/slog"

// logger is the package-wide structured logger. Defaults to slog.Default();
// the CLI may swap in its own handler via SetLogger.
var logger = slog.Default()

// SetLogger routes the package's logging through l.
func SetLogger(l *slog.Logger) { logger = l }
