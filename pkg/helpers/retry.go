package helpers

import (
	"context"
	"math/rand"
	"time"
)

func Retry(times int, interval time.Duration, fn func() error) error {
	i := 0

	for {
		err := fn()
		if err == nil {
			return nil
		}

		// add up to 5% jitter
		time.Sleep(interval + time.Duration(rand.Intn(int(interval/20))))

		i++

		if i > times {
			return err
		}
	}
}

// RetryBackoff retries fn with exponentially growing intervals capped at max
// until fn succeeds or the context is cancelled. times <= 0 retries forever.
func RetryBackoff(ctx context.Context, times int, interval, max time.Duration, fn func() error) error {
	i := 0
	wait := interval

	for {
		err := fn()
		if err == nil {
			return nil
		}

		i++

		if times > 0 && i > times {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait + time.Duration(rand.Intn(int(wait/20)+1))):
		}

		wait *= 2

		if wait > max {
			wait = max
		}
	}
}
