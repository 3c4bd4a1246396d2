// Package logging is a small slog-backed logger with printf helpers and
// field entries, shared by every package of the server.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	defaultLogger atomic.Pointer[slog.Logger]
	logLevel                = new(slog.LevelVar)
	logOutput     io.Writer = os.Stdout
	addSource               = true
	outputMu      sync.Mutex
	nowFunc       = time.Now
)

// Fields is a set of structured attributes attached to one log line.
type Fields map[string]any

const (
	DebugLevel = slog.LevelDebug
	InfoLevel  = slog.LevelInfo
	WarnLevel  = slog.LevelWarn
	ErrorLevel = slog.LevelError
)

func init() {
	logLevel.Set(slog.LevelInfo)
	defaultLogger.Store(slog.New(NewCustomHandler(os.Stdout, logLevel, true)))
}

func reconfigure() {
	defaultLogger.Store(slog.New(NewCustomHandler(logOutput, logLevel, addSource)))
}

// SetOutput redirects every subsequent line to w.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	logOutput = w
	reconfigure()
}

// SetReportCaller toggles the file:line column.
func SetReportCaller(enabled bool) {
	outputMu.Lock()
	defer outputMu.Unlock()
	addSource = enabled
	reconfigure()
}

func SetLevel(level slog.Level) { logLevel.Set(level) }

func GetLevel() slog.Level { return logLevel.Level() }

// SetDebug switches between debug and info level.
func SetDebug(debug bool) {
	if debug {
		SetLevel(slog.LevelDebug)
		return
	}
	SetLevel(slog.LevelInfo)
}

// Logger exposes the underlying slog logger for libraries that accept one.
func Logger() *slog.Logger { return defaultLogger.Load() }

func Debug(msg string) { emit(slog.LevelDebug, msg, nil) }
func Debugf(format string, args ...any) { emit(slog.LevelDebug, fmt.Sprintf(format, args...), nil) }
func Info(msg string) { emit(slog.LevelInfo, msg, nil) }
func Infof(format string, args ...any) { emit(slog.LevelInfo, fmt.Sprintf(format, args...), nil) }
func Warn(msg string) { emit(slog.LevelWarn, msg, nil) }
func Warnf(format string, args ...any) { emit(slog.LevelWarn, fmt.Sprintf(format, args...), nil) }
func Error(msg string) { emit(slog.LevelError, msg, nil) }
func Errorf(format string, args ...any) { emit(slog.LevelError, fmt.Sprintf(format, args...), nil) }
func Fatalf(format string, args ...any) {
	emit(slog.LevelError, fmt.Sprintf(format, args...), nil)
	runExitHandlers()
	os.Exit(1)
}

// emit writes one record, attributing it to the caller of the public helper.
func emit(level slog.Level, msg string, attrs []slog.Attr) {
	logger := defaultLogger.Load()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(nowFunc(), level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = logger.Handler().Handle(context.Background(), r)
}

// Entry accumulates fields for a single log line.
type Entry struct {
	attrs []slog.Attr
}

func WithError(err error) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any("error", err)}}
}

func WithField(key string, value any) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any(key, value)}}
}

// WithFields creates an entry; keys are emitted in sorted order.
func WithFields(fields Fields) *Entry {
	return (&Entry{attrs: make([]slog.Attr, 0, len(fields))}).WithFields(fields)
}

func (e *Entry) WithFields(fields Fields) *Entry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e.attrs = append(e.attrs, slog.Any(k, fields[k]))
	}
	return e
}

func (e *Entry) WithField(key string, value any) *Entry {
	e.attrs = append(e.attrs, slog.Any(key, value))
	return e
}

func (e *Entry) WithError(err error) *Entry {
	e.attrs = append(e.attrs, slog.Any("error", err))
	return e
}

func (e *Entry) Debug(msg string) { emit(slog.LevelDebug, msg, e.attrs) }
func (e *Entry) Debugf(format string, args ...any) { emit(slog.LevelDebug, fmt.Sprintf(format, args...), e.attrs) }
func (e *Entry) Info(msg string) { emit(slog.LevelInfo, msg, e.attrs) }
func (e *Entry) Infof(format string, args ...any) { emit(slog.LevelInfo, fmt.Sprintf(format, args...), e.attrs) }
func (e *Entry) Warn(msg string) { emit(slog.LevelWarn, msg, e.attrs) }
func (e *Entry) Warnf(format string, args ...any) { emit(slog.LevelWarn, fmt.Sprintf(format, args...), e.attrs) }
func (e *Entry) Error(msg string) { emit(slog.LevelError, msg, e.attrs) }
func (e *Entry) Errorf(format string, args ...any) { emit(slog.LevelError, fmt.Sprintf(format, args...), e.attrs) }

// Writer returns an io.Writer that logs each written line at info level.
func Writer() io.Writer { return &slogWriter{level: slog.LevelInfo} }

// WriterLevel is Writer at the given level.
func WriterLevel(level slog.Level) io.Writer { return &slogWriter{level: level} }

type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if msg == "" {
		return len(p), nil
	}
	logger := defaultLogger.Load()
	if !logger.Enabled(context.Background(), w.level) {
		return len(p), nil
	}
	var pcs [1]uintptr
	runtime.Callers(4, pcs[:])
	r := slog.NewRecord(nowFunc(), w.level, msg, pcs[0])
	_ = logger.Handler().Handle(context.Background(), r)
	return len(p), nil
}

var (
	exitHandlers   []func()
	exitHandlersMu sync.Mutex
)

// RegisterExitHandler runs handler before Fatalf exits the process.
func RegisterExitHandler(handler func()) {
	exitHandlersMu.Lock()
	defer exitHandlersMu.Unlock()
	exitHandlers = append(exitHandlers, handler)
}

func runExitHandlers() {
	exitHandlersMu.Lock()
	handlers := make([]func(), len(exitHandlers))
	copy(handlers, exitHandlers)
	exitHandlersMu.Unlock()
	for _, h := range handlers {
		h()
	}
}
