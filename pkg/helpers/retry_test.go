package helpers_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stackable/agent/pkg/helpers"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	testData := []struct {
		errUntil  int
		expectErr bool
	}{
		{
			errUntil:  8,
			expectErr: false,
		},
		{
			errUntil:  0,
			expectErr: false,
		},
		{
			errUntil:  30,
			expectErr: true,
		},
	}

	for _, td := range testData {
		cnt := 0
		err := helpers.Retry(10, 1*time.Millisecond, func() error {
			if cnt >= td.errUntil {
				return nil
			}
			cnt++
			return fmt.Errorf("error")
		})
		if td.expectErr {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
	}
}

func TestRetryBackoffCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cnt := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := helpers.RetryBackoff(ctx, 0, 1*time.Millisecond, 5*time.Millisecond, func() error {
		cnt++
		return fmt.Errorf("down")
	})

	require.EqualError(t, err, "down")
	require.True(t, cnt > 1)
}
