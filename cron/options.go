package cron

import (
	"fmt"
	"strings"
	"time"

	admission "github.com/goliatone/go-admission"
)

type Option func(*Scheduler)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger routes robfig/cron and job logs through logger.
func WithLogger(logger admission.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSeconds accepts a leading seconds field in expressions.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// WithErrorHandler receives failed runs and recovered panics. The default
// logs them.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.onError = handler
		}
	}
}

// cronLogger satisfies robfig/cron's Logger. Its chatter goes to debug.
type cronLogger struct {
	logger admission.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.logger.Debug("cron: %s", withKeyValues(msg, kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.logger.Error("cron: %s: %v", withKeyValues(msg, kv), err)
}

// withKeyValues appends robfig's key/value pairs to msg. A trailing key
// without a value is dropped.
func withKeyValues(msg string, kv []any) string {
	if len(kv) < 2 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
