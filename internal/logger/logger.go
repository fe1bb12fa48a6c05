// Package logger provides logging support for udp-repeater using log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
)

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Options selects the log destinations.
type Options struct {
	// Foreground writes to stdout in addition to the other sinks.
	Foreground bool
	// Logfile, if set, is opened in append mode.
	Logfile string
	// Verbose lowers the threshold from Warning to Debug.
	Verbose bool
	// Syslog adds a syslog sink tagged "udp-repeater" when one is reachable.
	Syslog bool
	// Output overrides stdout for the foreground sink. Used by tests.
	Output io.Writer
}

// Logger wraps slog.Logger with printf-style helpers.
type Logger struct {
	slog        *slog.Logger
	monitor     *slog.Logger // always-on lifecycle log, nil until SetMonitor
	monitorFile *os.File
	logFile     *os.File
}

// New creates a Logger backed by slog. Without Verbose only warnings and
// errors are emitted.
func New(opts Options) (*Logger, error) {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var handlers []slog.Handler

	if opts.Syslog {
		sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "udp-repeater")
		if err == nil {
			handlers = append(handlers, slog.NewTextHandler(syslogWriter{sw}, &slog.HandlerOptions{
				Level: level,
				// syslog stamps its own time
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey && len(groups) == 0 {
						return slog.Attr{}
					}
					return a
				},
			}))
		}
	}

	if opts.Foreground {
		out := opts.Output
		if out == nil {
			out = os.Stdout
		}
		handlers = append(handlers, slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	}

	l := &Logger{}

	if opts.Logfile != "" {
		f, err := os.OpenFile(opts.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("cannot open logfile %s: %w", opts.Logfile, err)
		}
		l.logFile = f
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	l.slog = slog.New(handler)
	return l, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a child Logger that adds key=value to every record. The
// monitor log is shared with the parent.
func (l *Logger) With(key string, value any) *Logger {
	child := &Logger{
		slog:    l.slog.With(key, value),
		monitor: l.monitor,
	}
	if l.monitor != nil {
		child.monitor = l.monitor.With(key, value)
	}
	return child
}

// SetMonitor opens a monitor log file that always records at Info level.
// The monitor log captures run lifecycle events and all warnings/errors.
func (l *Logger) SetMonitor(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("cannot open monitor log %s: %w", path, err)
	}
	l.monitorFile = f
	l.monitor = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	return nil
}

// Monitor writes a message to the monitor log only. No-op without SetMonitor.
func (l *Logger) Monitor(format string, args ...any) {
	if l.monitor != nil {
		l.monitor.Info(fmt.Sprintf(format, args...))
	}
}

// Debug logs hot-path detail, emitted only when verbose.
func (l *Logger) Debug(format string, args ...any) {
	if !l.slog.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.slog.Debug(fmt.Sprintf(format, args...))
}

// Info logs an informational message (only emitted when verbose).
func (l *Logger) Info(format string, args ...any) {
	l.slog.Info(fmt.Sprintf(format, args...))
}

// Warning logs a warning message. Also written to the monitor log.
func (l *Logger) Warning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.Warn(msg)
	if l.monitor != nil {
		l.monitor.Warn(msg)
	}
}

// Error logs at ERROR level. Also written to the monitor log.
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.Error(msg)
	if l.monitor != nil {
		l.monitor.Error(msg)
	}
}

// Close flushes and closes the monitor log and logfile if open.
func (l *Logger) Close() {
	if l.monitorFile != nil {
		l.monitorFile.Sync()
		l.monitorFile.Close()
		l.monitorFile = nil
		l.monitor = nil
	}
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
		l.logFile = nil
	}
}

// syslogWriter adapts *syslog.Writer to io.Writer.
type syslogWriter struct {
	w *syslog.Writer
}

func (s syslogWriter) Write(p []byte) (n int, err error) {
	return len(p), s.w.Info(string(p))
}
