package admission

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract shared by every package in the module.
// Messages are printf style.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that carry structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders log severities.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return "LEVEL(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a Level, defaulting to LevelInfo.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// FmtLogger writes one logfmt-ish line per entry. It is the fallback used
// when no go-logger instance is configured. Copies made by WithFields share
// the writer and its lock.
type FmtLogger struct {
	out    io.Writer
	mu     *sync.Mutex
	min    Level
	fields map[string]any
}

// NewFmtLogger logs everything to out, or stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}, min: LevelTrace}
}

// WithLevel returns a copy that drops entries below min.
func (l *FmtLogger) WithLevel(min Level) *FmtLogger {
	cp := *l.orDefault()
	cp.min = min
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

// WithContext is a no-op: the fallback logger has nothing to read from ctx.
func (l *FmtLogger) WithContext(context.Context) Logger {
	return l.orDefault()
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = mergeFields(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil || l.out == nil {
		return NewFmtLogger(nil)
	}
	if l.mu == nil {
		cp := *l
		cp.mu = &sync.Mutex{}
		return &cp
	}
	return l
}

func (l *FmtLogger) write(level Level, msg string, args []any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s ", level)
	b.WriteString(strings.TrimSpace(msg))
	appendFields(&b, l.fields)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

// GLogger adapts a go-logger glog.Logger to Logger.
type GLogger struct {
	logger glog.Logger
}

// NewGLogger wraps logger. A nil logger yields the fmt fallback.
func NewGLogger(logger glog.Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return &GLogger{logger: logger}
}

func (l *GLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l *GLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *GLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *GLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *GLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *GLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l *GLogger) WithContext(ctx context.Context) Logger {
	return &GLogger{logger: l.logger.WithContext(ctx)}
}

func (l *GLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return &GLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// NormalizeLogger returns the fmt fallback when logger is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithFields attaches fields when the logger supports them and returns it
// unchanged otherwise.
func WithFields(logger Logger, fields map[string]any) Logger {
	if logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// RunLogger scopes logger to a run.
func RunLogger(logger Logger, run *Run) Logger {
	if run == nil {
		return NormalizeLogger(logger)
	}
	return WithFields(logger, map[string]any{
		"run_id":     run.ID,
		"action_ref": run.ActionRef,
		"status":     string(run.Status),
	})
}

func mergeFields(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func appendFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if v == "" || strings.ContainsAny(v, " \t\"=") {
			v = strconv.Quote(v)
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
}
