package helpers

import (
	"context"
	"fmt"
	"time"
)

// WaitContext polls fn at interval until it reports done, fails, times out,
// or the context is cancelled.
func WaitContext(ctx context.Context, interval time.Duration, timeout time.Duration, fn func() (bool, error)) error {
	start := time.Now().UTC()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if start.Add(timeout).Before(time.Now().UTC()) {
				return fmt.Errorf("timeout")
			}

			done, err := fn()
			if err != nil {
				return err
			}

			if done {
				return nil
			}
		}
	}
}
