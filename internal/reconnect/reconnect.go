// Package reconnect holds the retry schedule used when a worker cannot reach
// its availability store.
package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Retry calls fn until it succeeds, ctx is done or attempts are exhausted.
// attempts <= 0 retries until ctx is done. The last error is returned.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	return retry(ctx, attempts, Delay, fn)
}

func retry(ctx context.Context, attempts int, delay func(int) time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempts <= 0 || attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempts > 0 && attempt == attempts-1 {
			break
		}
		t := time.NewTimer(delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
