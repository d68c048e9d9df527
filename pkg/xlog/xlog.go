// Package xlog provides a small leveled, structured logger in the style of
// go-ethereum's log package: key/value pairs, a caller frame captured via
// go-stack/stack, and pluggable output handlers.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Level is a logging severity.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trce"
	case LevelDebug:
		return "dbug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "eror"
	default:
		return "????"
	}
}

// ParseLevel parses a level name ("trace", "debug", "info", "warn", "error").
func ParseLevel(s string) (Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("xlog: unknown level %q", s)
	}
}

// Record is a single log event.
type Record struct {
	Time   time.Time
	Level  Level
	Msg    string
	Ctx    []any
	Caller stack.Call
}

// Handler consumes log records. Implementations must be safe for concurrent use.
type Handler interface {
	Log(r Record) error
}

// Logger emits leveled, structured log records carrying a fixed set of
// context key/value pairs established via With.
type Logger struct {
	ctx     []any
	handler Handler
}

var (
	rootMu      sync.RWMutex
	rootHandler Handler = StreamHandler(os.Stderr, TerminalFormat())
	rootLevel           = LevelInfo
)

// SetDefault replaces the root handler used by package-level log functions
// and New().
func SetDefault(h Handler) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootHandler = h
}

// SetLevel sets the minimum level the root LevelFilter passes through, when
// New is used without an explicit handler.
func SetLevel(lvl Level) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootLevel = lvl
}

// New creates a Logger using the current root handler, filtered at the
// current root level, with the given initial context pairs.
func New(ctx ...any) *Logger {
	rootMu.RLock()
	h, lvl := rootHandler, rootLevel
	rootMu.RUnlock()
	return &Logger{ctx: ctx, handler: LevelFilter(lvl, h)}
}

// NewWithHandler creates a Logger using an explicit handler, bypassing the
// package root.
func NewWithHandler(h Handler, ctx ...any) *Logger {
	return &Logger{ctx: ctx, handler: h}
}

// With returns a child Logger with additional context pairs appended.
func (l *Logger) With(ctx ...any) *Logger {
	merged := make([]any, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &Logger{ctx: merged, handler: l.handler}
}

func (l *Logger) write(lvl Level, msg string, ctx []any) {
	merged := make([]any, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	r := Record{
		Time:   time.Now(),
		Level:  lvl,
		Msg:    msg,
		Ctx:    merged,
		Caller: stack.Caller(2),
	}
	_ = l.handler.Log(r)
}

func (l *Logger) Trace(msg string, ctx ...any) { l.write(LevelTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...any) { l.write(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...any)  { l.write(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...any)  { l.write(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...any) { l.write(LevelError, msg, ctx) }

// LevelFilter wraps a Handler so records below lvl are dropped.
func LevelFilter(lvl Level, h Handler) Handler {
	return handlerFunc(func(r Record) error {
		if r.Level < lvl {
			return nil
		}
		return h.Log(r)
	})
}

type handlerFunc func(Record) error

func (f handlerFunc) Log(r Record) error { return f(r) }

// Format renders a Record to a byte slice.
type Format func(Record) []byte

// StreamHandler writes formatted records to w, one per call, serialized by
// an internal mutex since multiple goroutines may log concurrently.
func StreamHandler(w io.Writer, fmtr Format) Handler {
	var mu sync.Mutex
	return handlerFunc(func(r Record) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := w.Write(fmtr(r))
		return err
	})
}

// TerminalFormat renders records as geth-style human-readable lines:
// "LVL[timestamp] msg key=val key=val  (file.go:123)".
func TerminalFormat() Format {
	return func(r Record) []byte {
		var b []byte
		b = append(b, r.Level.String()...)
		b = append(b, '[')
		b = append(b, r.Time.Format("01-02|15:04:05.000")...)
		b = append(b, "] "...)
		b = append(b, r.Msg...)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			b = append(b, ' ')
			b = append(b, fmt.Sprintf("%v", r.Ctx[i])...)
			b = append(b, '=')
			b = append(b, fmt.Sprintf("%v", r.Ctx[i+1])...)
		}
		b = append(b, "  ("...)
		b = append(b, fmt.Sprintf("%+v", r.Caller)...)
		b = append(b, ")\n"...)
		return b
	}
}

// JSONFormat renders records as single-line JSON-ish key/value text without
// pulling in encoding/json, matching the low-dependency style of the rest
// of the handler stack.
func JSONFormat() Format {
	return func(r Record) []byte {
		b := []byte(fmt.Sprintf(`{"t":%q,"lvl":%q,"msg":%q`, r.Time.Format(time.RFC3339Nano), r.Level.String(), r.Msg))
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			b = append(b, fmt.Sprintf(`,%q:%q`, fmt.Sprintf("%v", r.Ctx[i]), fmt.Sprintf("%v", r.Ctx[i+1]))...)
		}
		b = append(b, "}\n"...)
		return b
	}
}

// Discard is a Handler that drops every record, useful in tests.
var Discard Handler = handlerFunc(func(Record) error { return nil })
