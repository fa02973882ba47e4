package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Logger is a value type; copies are cheap and share the sink. The zero
// value discards everything.
type Logger struct {
	svc  *Service       // live sink, follows Service.Apply
	base zerolog.Logger // fixed sink when svc is nil
	set  bool

	fields []Field

	limiter *rate.Limiter
	dropped *atomic.Uint64
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{base: zerolog.Nop(), set: true} }

// NewConsole logs human-readable lines to stderr at level. The speedtest
// client uses it; speedserver goes through Service.
func NewConsole(level string) Logger {
	return fixed(consoleWriter(os.Stderr), level)
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return fixed(w, level)
}

func fixed(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	return Logger{base: zl, set: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.set && len(l.fields) == 0 }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.set:
		return l.base
	}
	return zerolog.Nop()
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Sampled returns a logger that emits at most perSec events per second.
// The number of suppressed events rides along as "dropped" on the next one
// that passes.
func (l Logger) Sampled(perSec int) Logger {
	if perSec <= 0 {
		return l
	}
	cp := l
	cp.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	cp.dropped = new(atomic.Uint64)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// callerDepth skips emit and the level method.
const callerDepth = 2

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	if level < zl.GetLevel() {
		return
	}
	if l.limiter != nil && !l.limiter.Allow() {
		l.dropped.Add(1)
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerDepth); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	if l.dropped != nil {
		if n := l.dropped.Swap(0); n > 0 {
			e.Uint64("dropped", n)
		}
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps a config string to a level; unknown means info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
