// Package logging builds the charmbracelet/log loggers used across cozeflow.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "COZEFLOW_LOG_LEVEL"

// Option configures a logger created with New.
type Option func(*config)

type config struct {
	level     log.Level
	writer    io.Writer
	json      bool
	timestamp bool
	prefix    string
}

// WithLevel parses a level name ("debug", "info", "warn", "error").
// Unknown names leave the level unchanged.
func WithLevel(level string) Option {
	return func(c *config) {
		if lvl, ok := parseLevel(level); ok {
			c.level = lvl
		}
	}
}

// WithDebug forces the debug level when true.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = log.DebugLevel
		}
	}
}

// WithWriter overrides the output writer. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithJSON switches to JSON formatted records.
func WithJSON(json bool) Option {
	return func(c *config) {
		c.json = json
	}
}

// WithTimestamp includes a timestamp in each record.
func WithTimestamp(ts bool) Option {
	return func(c *config) {
		c.timestamp = ts
	}
}

// WithPrefix sets a prefix printed before every message.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// New returns a logger writing to stderr at info level unless configured
// otherwise. EnvLogLevel takes precedence over WithLevel.
func New(opts ...Option) *log.Logger {
	cfg := &config{
		level:  log.InfoLevel,
		writer: os.Stderr,
	}
	for _, o := range opts {
		o(cfg)
	}
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.level = lvl
	}

	formatter := log.TextFormatter
	if cfg.json {
		formatter = log.JSONFormatter
	}

	return log.NewWithOptions(cfg.writer, log.Options{
		Level:           cfg.level,
		ReportTimestamp: cfg.timestamp,
		Formatter:       formatter,
		Prefix:          cfg.prefix,
	})
}

// Nop returns a logger that discards everything.
func Nop() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel + 1})
}

func parseLevel(s string) (log.Level, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	lvl, err := log.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, false
	}
	return lvl, true
}
