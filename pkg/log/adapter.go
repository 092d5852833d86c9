// Package log bridges the application logger to the loggers expected by
// third party libraries.
package log

import (
	"io"
	stdlog "log"
	"strings"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// Level is the log level that will be used.
type Level int

// The log level constants.
const (
	Debug Level = iota
	Info
)

// Bridge is a log bridge to a standard logger.
type Bridge struct {
	log    log.Logger
	lvl    Level
	prefix string
}

// NewBridge returns a standard logger writing to l.
func NewBridge(l log.Logger, lvl Level, prefix string) *stdlog.Logger {
	return stdlog.New(&Bridge{log: l, lvl: lvl, prefix: prefix}, "", 0)
}

// Write writes a log line.
func (b *Bridge) Write(p []byte) (n int, err error) {
	line := b.prefix + strings.TrimRight(string(p), "\n")

	switch {
	case strings.Contains(line, "[ERR]"), strings.Contains(line, "[ERROR]"):
		b.log.Error(line)

	case b.lvl == Debug || strings.Contains(line, "[DEBUG]"):
		b.log.Debug(line)

	default:
		b.log.Info(line)
	}

	return len(p), nil
}

// HCLBridge is a log bridge to a hcl logger.
type HCLBridge struct {
	log    log.Logger
	prefix string
	name   string
	args   []interface{}
}

// NewHCLBridge returns a hcl logger writing to l.
func NewHCLBridge(l log.Logger, prefix string) hclog.Logger {
	return &HCLBridge{
		log:    l,
		prefix: prefix,
	}
}

func (h *HCLBridge) msg(msg string) string {
	if h.name == "" {
		return h.prefix + msg
	}
	return h.prefix + h.name + ": " + msg
}

func (h *HCLBridge) ctx(args []interface{}) []interface{} {
	if len(h.args) == 0 {
		return args
	}
	ctx := make([]interface{}, 0, len(h.args)+len(args))
	ctx = append(ctx, h.args...)
	return append(ctx, args...)
}

// Trace logs a trace message.
func (h *HCLBridge) Trace(msg string, args ...interface{}) {
	h.log.Debug(h.msg(msg), h.ctx(args)...)
}

// Debug logs a debug message.
func (h *HCLBridge) Debug(msg string, args ...interface{}) {
	h.log.Debug(h.msg(msg), h.ctx(args)...)
}

// Info logs an info message.
func (h *HCLBridge) Info(msg string, args ...interface{}) {
	h.log.Info(h.msg(msg), h.ctx(args)...)
}

// Warn logs a warning message at info level.
func (h *HCLBridge) Warn(msg string, args ...interface{}) {
	h.log.Info(h.msg(msg), h.ctx(args)...)
}

// Error logs an error message.
func (h *HCLBridge) Error(msg string, args ...interface{}) {
	h.log.Error(h.msg(msg), h.ctx(args)...)
}

// IsTrace returns true.
func (h *HCLBridge) IsTrace() bool {
	return true
}

// IsDebug returns true.
func (h *HCLBridge) IsDebug() bool {
	return true
}

// IsInfo returns true.
func (h *HCLBridge) IsInfo() bool {
	return true
}

// IsWarn returns true.
func (h *HCLBridge) IsWarn() bool {
	return true
}

// IsError returns true.
func (h *HCLBridge) IsError() bool {
	return true
}

// With returns a logger that always logs the given args.
func (h *HCLBridge) With(args ...interface{}) hclog.Logger {
	c := *h
	c.args = h.ctx(args)
	return &c
}

// Named returns a logger with name appended to its name.
func (h *HCLBridge) Named(name string) hclog.Logger {
	c := *h
	if c.name != "" {
		name = c.name + "." + name
	}
	c.name = name
	return &c
}

// ResetNamed returns a logger with the given name.
func (h *HCLBridge) ResetNamed(name string) hclog.Logger {
	c := *h
	c.name = name
	return &c
}

// SetLevel is a noop, the level is controlled by the underlying logger.
func (h *HCLBridge) SetLevel(level hclog.Level) {}

// StandardLogger returns a standard logger writing to the underlying logger.
func (h *HCLBridge) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(h.StandardWriter(opts), "", 0)
}

// StandardWriter returns a writer writing to the underlying logger.
func (h *HCLBridge) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return &Bridge{
		log:    h.log,
		lvl:    Debug,
		prefix: h.msg(""),
	}
}

// CronBridge is a log bridge to a cron logger.
type CronBridge struct {
	log    log.Logger
	prefix string
}

// NewCronBridge returns a cron logger writing to l. Cron info messages
// are logged at debug level.
func NewCronBridge(l log.Logger, prefix string) cron.Logger {
	return &CronBridge{
		log:    l,
		prefix: prefix,
	}
}

// Info logs a cron info message.
func (c *CronBridge) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(c.prefix+msg, keysAndValues...)
}

// Error logs a cron error.
func (c *CronBridge) Error(err error, msg string, keysAndValues ...interface{}) {
	ctx := make([]interface{}, 0, len(keysAndValues)+2)
	ctx = append(ctx, keysAndValues...)
	ctx = append(ctx, "error", err)
	c.log.Error(c.prefix+msg, ctx...)
}
