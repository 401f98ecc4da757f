package logger

import "log/slog"

// Level represents the minimum logging level, mirroring slog's levels.
type Level slog.Level

// The set of supported logging levels.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)
