// Package log is the structured logging façade used throughout the
// module in place of the teacher's direct-to-UART fmt.Print calls
// (soc/imx6/debug.go style "just write it to the console"). It wraps
// zerolog so every subsystem logs structured fields (task name, tick,
// device path, TCP port id) instead of formatted strings, while still
// supporting a bare io.Writer sink so a board package can point it at a
// real UART descriptor.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// SetOutput redirects every subsequent log line to w, e.g. an fs.FD
// wrapped as an io.Writer for a real console UART. Used during board
// bring-up, before any task exists to read log output back out.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the minimum severity emitted; the netecho example
// drops this to debug when built with a diagnostic flag.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(level)
}

func current() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// With returns a child logger with the given key/value fields attached,
// the way net/tcp stamps every log line for a connection with its
// xid-generated port correlation id.
func With(fields map[string]any) zerolog.Logger {
	ctx := current().With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// Debug, Info, Warn and Error are package-level convenience loggers for
// call sites that don't need a persistent child logger.
func Debug() *zerolog.Event { l := current(); return l.Debug() }
func Info() *zerolog.Event  { l := current(); return l.Info() }
func Warn() *zerolog.Event  { l := current(); return l.Warn() }
func Error() *zerolog.Event { l := current(); return l.Error() }
