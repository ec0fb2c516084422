// Package log provides logging utilities including colored console output
// and connection logging capabilities.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var red = color.New(color.FgRed).FprintfFunc()
var blue = color.New(color.FgBlue).FprintfFunc()
var yellow = color.New(color.FgYellow).FprintfFunc()

// ErrorMsg prints an error message to stderr in red color.
func ErrorMsg(format string, a ...interface{}) {
	red(os.Stderr, "[!] Error: "+format, a...)
}

// InfoMsg prints an informational message to stderr in blue color.
func InfoMsg(format string, a ...interface{}) {
	blue(os.Stderr, "[+] "+format, a...)
}

// Logger writes colored messages. Verbose messages are only written when
// verbose logging is enabled. A nil *Logger discards everything.
type Logger struct {
	mu      *sync.Mutex
	out     io.Writer
	verbose bool
	prefix  string
}

// NewLogger returns a logger writing to stderr.
func NewLogger(verbose bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose)
}

// NewLoggerTo returns a logger writing to w.
func NewLoggerTo(w io.Writer, verbose bool) *Logger {
	return &Logger{mu: &sync.Mutex{}, out: w, verbose: verbose}
}

// WithConn returns a logger that prefixes messages with a connection id.
func (l *Logger) WithConn(id string) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.prefix = l.prefix + "[" + id + "] "
	return &c
}

// Verbose reports whether verbose messages are written.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// ErrorMsg writes an error message in red.
func (l *Logger) ErrorMsg(format string, a ...interface{}) {
	l.write(red, "[!] Error: ", format, a)
}

// InfoMsg writes an informational message in blue.
func (l *Logger) InfoMsg(format string, a ...interface{}) {
	l.write(blue, "[+] ", format, a)
}

// VerboseMsg writes a debug message in yellow when verbose logging is enabled.
func (l *Logger) VerboseMsg(format string, a ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.write(yellow, "[v] ", format, a)
}

func (l *Logger) write(printf func(io.Writer, string, ...interface{}), tag, format string, a []interface{}) {
	if l == nil {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	printf(l.out, tag+l.prefix+format, a...)
}
