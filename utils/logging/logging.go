package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	// SYSTEM EVENTS (SYSTEM*)
	SYSTEM LogCode = "SYSTEM"

	// CLINIC OPERATIONS
	AUTH_EVENT     LogCode = "AUTH_EVENT"
	DIARY_WRITE    LogCode = "DIARY_WRITE"
	PLAN_PUBLISH   LogCode = "PLAN_PUBLISH"
	DATASET_IMPORT LogCode = "DATASET_IMPORT"
	BILLING_EVENT  LogCode = "BILLING_EVENT"
	INTEGRITY_RUN  LogCode = "INTEGRITY_RUN"
	AI_GENERATION  LogCode = "AI_GENERATION"
)

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a JSON slog handler as the default logger. The level is read
// from the LOG_LEVEL env var.
func Setup(w io.Writer, addSource bool) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     levelFromEnv(),
		AddSource: addSource,
	})
	slog.SetDefault(slog.New(handler))
}

// SetupWithFile writes JSON records to the given log file and human readable
// records to stderr. Used by the server entrypoint; tests use Setup directly.
func SetupWithFile(logFile io.Writer, addSource bool) {
	level := levelFromEnv()
	jsonHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	})
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
}
