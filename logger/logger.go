// Package logger provides the process-wide structured logger. The level can
// be changed at runtime, which the config watcher uses to toggle debug
// logging without a restart.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	mu       sync.Mutex
)

// Init initializes the root logger writing to w. Calling Init again replaces
// the root logger; loggers obtained earlier keep their old destination.
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
}

// SetDebug enables or disables debug level logging.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root
}

// WithComponent returns a logger with the component name attached.
//
// Example:
//
//	log := logger.WithComponent("manager")
//	log.Info("server connected", "server", id)
//	// Output: level=INFO msg="server connected" component=manager server=files
func WithComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root.With("component", component)
}

// WithServer returns a logger with the server ID attached. All log entries
// from this logger include serverID as a structured field.
func WithServer(serverID string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root.With("serverID", serverID)
}

// ensureInit falls back to stderr when Init was never called.
// Caller must hold mu.
func ensureInit() {
	if root == nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
		root = slog.New(handler)
	}
}

// Reset clears the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	root = nil
	levelVar = new(slog.LevelVar)
}
