package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy returns the wait before the next attempt. attempt counts failures
// so far, starting at 0.
type Strategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(attempt int, err error) time.Duration

func (f StrategyFunc) SleepDuration(attempt int, err error) time.Duration {
	return f(attempt, err)
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ConstantStrategy waits Delay between attempts.
type ConstantStrategy struct {
	Delay time.Duration
}

func (c ConstantStrategy) SleepDuration(int, error) time.Duration {
	return max(c.Delay, 0)
}

// ExponentialBackoffStrategy waits Base * Factor^attempt, capped at Max when
// Max is set. A Factor below 1 is treated as 1.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	factor := math.Max(e.Factor, 1)
	delay := float64(e.Base) * math.Pow(factor, float64(max(attempt, 0)))
	if e.Max > 0 && (math.IsInf(delay, 1) || delay > float64(e.Max)) {
		return e.Max
	}
	return time.Duration(delay)
}

// JitterStrategy spreads the delay of Base over [d*(1-Fraction), d]. Loops
// contending for the same record or lock then stop retrying in lockstep.
type JitterStrategy struct {
	Base     Strategy
	Fraction float64
	// Rand returns values in [0, 1). Nil uses math/rand.
	Rand func() float64
}

func (j JitterStrategy) SleepDuration(attempt int, err error) time.Duration {
	if j.Base == nil {
		return 0
	}
	d := j.Base.SleepDuration(attempt, err)
	frac := math.Min(math.Max(j.Fraction, 0), 1)
	if d <= 0 || frac == 0 {
		return d
	}
	r := rand.Float64
	if j.Rand != nil {
		r = j.Rand
	}
	return d - time.Duration(float64(d)*frac*r())
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
