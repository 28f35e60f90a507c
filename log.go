package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/config"
)

// setupLog configures the default logger from the environment and returns a
// function that releases the log file, if one was opened.
func setupLog() (func() error, error) {
	cfg, err := config.LoadLogConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(formatter(cfg.Format))

	if cfg.File == "" {
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.SetDefault(log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter(cfg.Format),
	}))
	log.Debug("logging to file", "path", cfg.File)

	return f.Close, nil
}

func formatter(format string) log.Formatter {
	switch format {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
