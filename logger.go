package reqguard

import (
	"io"
	"os"

	"github.com/oarkflow/log"
)

// LogConfig selects the log level and destination. An empty File logs to
// stderr.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// NewLogger builds a structured logger for cfg.
func NewLogger(cfg LogConfig) *log.Logger {
	level := log.InfoLevel
	if cfg.Level != "" {
		level = log.ParseLevel(cfg.Level)
	}
	logger := &log.Logger{Level: level}
	if cfg.File != "" {
		logger.Writer = &log.FileWriter{Filename: cfg.File}
	} else {
		logger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	return logger
}

// NewNopLogger discards everything.
func NewNopLogger() *log.Logger {
	return &log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}
