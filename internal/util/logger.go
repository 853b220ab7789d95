package util

import (
	"bytes"
	"context"
	"log"
	"log/slog"
)

// SetupGlobalLogger routes the standard log package into slog so output
// from libraries that still use it (pion's default loggers, net/http
// server errors) ends up in the same stream.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger().With("source", "stdlog")})
}

// StdLogger returns a *log.Logger that writes into slog at the given level.
func StdLogger(level slog.Level) *log.Logger {
	return log.New(&logWriter{logger: GetLogger().With("source", "stdlog"), level: level}, "", 0)
}

type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(bytes.TrimRight(p, "\n"))
	w.logger.Log(context.Background(), w.level, msg)
	return len(p), nil
}
