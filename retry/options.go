package retry

import (
	"time"

	admission "github.com/goliatone/go-admission"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

// WithMaxRetries sets how many attempts follow the first failure. A negative
// value retries until the context is done.
func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		h.maxRetries = max
	}
}

func WithStrategy(s Strategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.strategy = s
		}
	}
}

// WithShouldRetry decides whether an error is worth another attempt.
func WithShouldRetry(fn func(error) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.shouldRetry = fn
		}
	}
}

func WithErrorHandler(fn func(attempt int, err error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(int, error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l admission.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithName(name string) Option {
	return func(h *Handler) {
		h.name = name
	}
}
