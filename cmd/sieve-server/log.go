package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/logrotate/rotator"
)

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// newLogger builds the server logger. Output always goes to stdout; when
// logFile is set it is mirrored into a rotated file. The returned closer
// releases the rotator.
func newLogger(logFile, level string) (*slog.Logger, func() error, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stdout
	closer := func() error { return nil }

	if logFile != "" {
		if dir := filepath.Dir(logFile); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		r, err := rotator.New(logFile, 10*1024, false, 3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		out = io.MultiWriter(os.Stdout, r)
		closer = r.Close
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})), closer, nil
}
