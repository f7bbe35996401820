package retry

import (
	"context"
	"time"

	admission "github.com/goliatone/go-admission"
	apperrors "github.com/goliatone/go-errors"
)

var (
	ErrExhausted = apperrors.New("retries exhausted", apperrors.CategoryOperation).
			WithTextCode("RETRY_EXHAUSTED")
	ErrInterrupted = apperrors.New("retry interrupted", apperrors.CategoryOperation).
			WithTextCode("RETRY_INTERRUPTED")
)

// Handler runs a function until it succeeds, the retry budget is spent, the
// error is not retryable, or the context is done.
type Handler struct {
	name         string
	logger       admission.Logger
	errorHandler func(attempt int, err error)
	shouldRetry  func(error) bool
	strategy     Strategy

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		name:         "retry",
		errorHandler: func(int, error) {},
		shouldRetry:  func(error) bool { return true },
		strategy:     NoDelayStrategy{},
		maxRetries:   3,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn and retries on failure. The returned error is the last error
// seen, wrapped with the attempt count when the budget was exhausted.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; h.maxRetries < 0 || attempt <= h.maxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		h.errorHandler(attempt, err)

		if !h.shouldRetry(err) {
			return err
		}
		if h.maxRetries >= 0 && attempt >= h.maxRetries {
			break
		}

		delay := h.strategy.SleepDuration(attempt, err)
		if h.logger != nil {
			h.logger.Debug("%s attempt %d failed, retrying in %s: %v", h.name, attempt+1, delay, err)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return wrapAttempts(ErrInterrupted, h.name+" interrupted", err, map[string]any{
				"attempt":       attempt + 1,
				"context_error": serr.Error(),
			})
		}
	}

	return wrapAttempts(ErrExhausted, h.name+" exhausted retries", err, map[string]any{
		"attempts": h.maxRetries + 1,
	})
}

func wrapAttempts(base *apperrors.Error, message string, source error, metadata map[string]any) error {
	err := base.Clone()
	err.Message = message
	err.Source = source
	return err.WithMetadata(metadata)
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return parent, func() {}
}

// Do is a shortcut for NewHandler(opts...).Run(ctx, fn).
func Do(ctx context.Context, fn func(context.Context) error, opts ...Option) error {
	return NewHandler(opts...).Run(ctx, fn)
}
