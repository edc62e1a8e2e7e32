// Package tflog provides verbose debug logging for the bus client, writing
// to a dedicated debug.log file and intended for troubleshooting
// protocol-level issues: dropped connections, correlation timeouts, and
// broadcast lag.
package tflog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes timestamped, subsystem-prefixed lines to a file.
type Logger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // subsystem filters (empty = log all)
}

var globalLogger *Logger
var globalMu sync.RWMutex

// knownSubsystems lists subsystem names for reference; SetFilter accepts
// any name and does not check against this list.
var knownSubsystems = []string{
	"wire", "uid", "conn", "device", "enumerate",
	"mqttbridge", "kafkabridge", "statestore", "api", "tui",
}

// New creates a logger writing to path, truncating any existing file.
func New(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("tflog: failed to open debug log file: %w", err)
	}
	l := &Logger{file: file, filters: make(map[string]bool)}
	l.Log("DEBUG", "debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems.
// An empty filter logs everything.
func (l *Logger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			l.filters[p] = true
		}
	}
}

func (l *Logger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	if l.filters[strings.ToLower(subsystem)] {
		return true
	}
	return strings.ToLower(subsystem) == "debug"
}

// Log writes a formatted, subsystem-prefixed line.
func (l *Logger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", ts, subsystem, fmt.Sprintf(format, args...))
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// SetGlobal installs l as the process-wide logger used by the package
// level Log helper, so packages that don't take a logger dependency
// (ipconn, device) can still emit debug lines.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide logger, or nil if none was installed.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Log writes to the global logger, a no-op if none was installed.
func Log(subsystem, format string, args ...interface{}) {
	Global().Log(subsystem, format, args...)
}

// Warnf logs a warning-level line; a distinct helper so lag and
// reconnection-worthy conditions are easy to grep for.
func Warnf(subsystem, format string, args ...interface{}) {
	Global().Log(subsystem, "WARN: "+format, args...)
}
