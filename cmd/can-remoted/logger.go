package main

import (
	"log/slog"
	"os"

	"github.com/canlan/go-can-remote/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, level, os.Stderr).With("app", "can-remoted")
	logging.Set(l)
	return l
}
