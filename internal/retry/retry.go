package retry

import (
	"context"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
// Delays grow exponentially from Delay and are capped by MaxDelay when it is set.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Default retries three times after 100ms, then 200ms.
var Default = Policy{Attempts: 3, Delay: 100 * time.Millisecond}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls fn until it succeeds or p.Attempts is exhausted, returning the last error.
// Returns ctx.Err() if the context is cancelled while waiting between attempts.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	_, err := Result(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Result is like Do but for functions that return a value.
func Result[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	var err error
	attempts := max(p.Attempts, 1)
	for i := 0; i < attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < attempts-1 {
			timer := time.NewTimer(p.backoff(i))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
