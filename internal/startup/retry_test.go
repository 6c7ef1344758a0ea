package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "flaky", time.Minute, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGivesUp(t *testing.T) {
	boom := errors.New("connection refused")
	err := retry(context.Background(), "db connect", time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "db connect (gave up after 1s)")
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, "redis connect", time.Minute, func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
