package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// LogLevel represents different log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelSuccess
	LevelError
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarn:    "WARN",
	LevelSuccess: "OK",
	LevelError:   "ERROR",
}

var levelColors = map[LogLevel]*color.Color{
	LevelDebug:   color.New(color.FgCyan),
	LevelInfo:    color.New(color.FgGreen),
	LevelWarn:    color.New(color.FgYellow),
	LevelSuccess: color.New(color.FgGreen, color.Bold),
	LevelError:   color.New(color.FgRed, color.Bold),
}

var (
	dim = color.New(color.FgHiBlack).SprintFunc()

	globalMu    sync.Mutex
	globalLevel = LevelInfo
	globalOut   io.Writer = os.Stderr
)

// SetGlobalLevel sets the minimum level for every logger that has no
// level of its own.
func SetGlobalLevel(level LogLevel) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = level
}

// SetGlobalOutput redirects every logger that has no output of its own.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalOut = w
}

// Logger is the main logger struct
type Logger struct {
	mu      sync.Mutex
	display string
	level   *LogLevel
	out     io.Writer
	now     func() time.Time
}

// New creates a new Logger instance writing to out.
func New(out io.Writer, display string, minLevel LogLevel) *Logger {
	return &Logger{
		display: display,
		level:   &minLevel,
		out:     out,
		now:     time.Now,
	}
}

// PackageLogger creates a logger tagged with a package display name that
// follows the global level and output.
func PackageLogger(pkgName string, displayName string) *Logger {
	if displayName == "" {
		displayName = pkgName
	}
	return &Logger{display: displayName, now: time.Now}
}

// SetLevel pins the minimum log level of this logger.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = &level
}

// SetOutput pins the output destination of this logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) target() (LogLevel, io.Writer) {
	globalMu.Lock()
	level, out := globalLevel, globalOut
	globalMu.Unlock()
	if l.level != nil {
		level = *l.level
	}
	if l.out != nil {
		out = l.out
	}
	return level, out
}

// Log logs a message at a specific level
func (l *Logger) Log(level LogLevel, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	minLevel, out := l.target()
	if level < minLevel {
		return
	}

	var sb strings.Builder
	sb.WriteString(dim(l.now().Format("2006/01/02 15:04:05")))
	sb.WriteByte(' ')
	sb.WriteString(levelColors[level].Sprintf("%-5s", levelNames[level]))
	if l.display != "" {
		sb.WriteString(" ")
		sb.WriteString(dim("[" + l.display + "]"))
	}
	sb.WriteByte(' ')
	if len(args) > 0 {
		sb.WriteString(fmt.Sprintf(msg, args...))
	} else {
		sb.WriteString(msg)
	}
	sb.WriteByte('\n')

	_, _ = io.WriteString(out, sb.String())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Log(LevelDebug, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Log(LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Log(LevelWarn, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Log(LevelError, msg, args...)
}

// Success logs a success message
func (l *Logger) Success(msg string, args ...interface{}) {
	l.Log(LevelSuccess, msg, args...)
}

// Timed logs the duration of a function execution and returns its error.
func (l *Logger) Timed(label string, fn func() error) error {
	start := l.now()
	l.Debug("starting %s", label)
	err := fn()
	if err != nil {
		l.Debug("%s failed after %v", label, time.Since(start).Round(time.Millisecond))
		return err
	}
	l.Debug("completed %s in %v", label, time.Since(start).Round(time.Millisecond))
	return nil
}
