package logging

import "log/slog"

// EnableTrace turns on very verbose logs (per-feature, per-cell).
var EnableTrace = false

// Trace logs at DEBUG level, but only if EnableTrace is set.
func Trace(logger *slog.Logger, msg string, args ...any) {
	if EnableTrace {
		logger.Debug(msg, args...)
	}
}
