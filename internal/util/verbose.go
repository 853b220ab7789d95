package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)
	logMu    sync.Mutex
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stdout, verbose)
}

// InitLoggerTo is InitLogger writing to w. The recorder uses it to keep
// log lines off stdout when stdout carries media.
func InitLoggerTo(w io.Writer, verbose bool) {
	logMu.Lock()
	defer logMu.Unlock()

	SetVerbose(verbose)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// SetVerbose switches the logger between info and debug level.
func SetVerbose(verbose bool) {
	if verbose {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	logMu.Lock()
	l := logger
	logMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// IsVerbose checks if verbose mode is enabled, either by the current log
// level or by the command line.
func IsVerbose() bool {
	if logLevel.Level() <= slog.LevelDebug {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
