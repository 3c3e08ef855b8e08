// Package log configures the process-wide slog default and provides
// panic recovery for long-running commands.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// Setup installs the default slog handler. When logFile is non-empty the
// log is appended there instead of stderr.
func Setup(logFile string, debugMode bool) {
	initOnce.Do(func() {
		level := slog.LevelInfo
		if debugMode {
			level = slog.LevelDebug
		}

		out := io.Writer(os.Stderr)
		if logFile != "" {
			if f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
				out = f
			}
		}

		handler := slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:     level,
			AddSource: debugMode,
		})

		slog.SetDefault(slog.New(handler))
		initialized.Store(true)
	})
}

func Initialized() bool {
	return initialized.Load()
}

func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
