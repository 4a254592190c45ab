package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// initLogger installs the default slog logger. Output goes to stderr unless
// MURMUR_LOG_SINK names a file ("file:/path/to/log"). Default level is warn so
// interactive output stays readable.
func initLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelWarn
	}

	var w io.Writer = os.Stderr
	if sink := os.Getenv("MURMUR_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		} else {
			w = f
		}
	}

	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(log)
	return log
}
