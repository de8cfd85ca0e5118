// Package retry holds the backoff arithmetic shared by the pipeline,
// scheduler and notification paths.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// FullJitter computes min(max, base·2^(attempt−1)) scaled by a uniform
// random factor in [0,1). attempt is 1-based.
func FullJitter(base, max time.Duration, attempt int) time.Duration {
	return time.Duration(rand.Float64() * float64(capped(base, max, attempt)))
}

// RangeJitter computes min(max, base·2^(attempt−1)) scaled by a uniform
// random factor in [0.7, 1.3). attempt is 1-based.
func RangeJitter(base, max time.Duration, attempt int) time.Duration {
	return time.Duration((0.7 + 0.6*rand.Float64()) * float64(capped(base, max, attempt)))
}

func capped(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Do runs fn up to attempts times, sleeping a full-jittered exponential
// delay between failures. Returns the last error when every attempt fails.
func Do(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(FullJitter(base, max, attempt)):
		}
	}
	return err
}
