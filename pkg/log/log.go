package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level names printed in front of the service prefix.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelDebug = "DEBUG"
)

// Logger is a named logger. Loggers are memoized by name.
type Logger struct {
	name string
	// debugKey is the service name consulted for debug enablement. Named
	// children inherit their parent's key.
	debugKey string
	std      *log.Logger
}

// writerHolder keeps the concrete type stored in outputWriter stable.
type writerHolder struct {
	w io.Writer
}

var (
	globalDebug  atomic.Bool
	serviceDebug sync.Map // map[string]*atomic.Bool
	loggers      sync.Map // map[string]*Logger
	outputWriter atomic.Value
)

func init() {
	outputWriter.Store(writerHolder{w: os.Stderr})
}

// ForService returns the logger for the given service, creating it on first use.
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	return load(name, name)
}

func load(name, debugKey string) *Logger {
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	current := outputWriter.Load().(writerHolder).w
	logger := &Logger{
		name:     name,
		debugKey: debugKey,
		std:      log.New(current, "", log.LstdFlags|log.Lmicroseconds),
	}
	actual, _ := loggers.LoadOrStore(name, logger)
	return actual.(*Logger)
}

// Named returns a child logger printed as "parent.child". Debug enablement
// follows the parent service.
func (l *Logger) Named(child string) *Logger {
	if child == "" {
		return l
	}
	return load(l.name+"."+child, l.debugKey)
}

// Name returns the logger name as printed in the prefix.
func (l *Logger) Name() string {
	return l.name
}

// SetGlobalDebug enables or disables debug logging for every service.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug reports whether debug logging is enabled globally.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// EnableDebugFor enables debug logging for one service.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor disables debug logging for one service.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// EnableDebugList enables debug for a comma separated list of services,
// e.g. "connection,registry". Blank entries are ignored.
func EnableDebugList(list string) []string {
	var enabled []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		EnableDebugFor(name)
		enabled = append(enabled, name)
	}
	return enabled
}

// DebugEnabledFor reports whether debug output is on for the service, either
// globally or specifically.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	if val, ok := serviceDebug.Load(name); ok {
		return val.(*atomic.Bool).Load()
	}
	return false
}

// SetOutput redirects all loggers, existing and future, to w.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	outputWriter.Store(writerHolder{w: w})
	loggers.Range(func(_, v any) bool {
		v.(*Logger).std.SetOutput(w)
		return true
	})
}

func (l *Logger) output(level, msg string) {
	l.std.Println(level + " [" + l.name + ">] " + msg)
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...any) {
	l.output(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...any) {
	l.output(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...any) {
	l.output(LevelError, fmt.Sprintf(format, args...))
}

// Debugf logs when debug is enabled for the logger's service.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.debugKey) {
		return
	}
	l.output(LevelDebug, fmt.Sprintf(format, args...))
}
