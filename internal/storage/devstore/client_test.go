package devstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWindow(t *testing.T) {
	l := NewLimiter()
	l.max = 2
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := l.AllowTicket(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "attempt %d", i+1)
	}
	ok, _ := l.AllowTicket(ctx, "u2")
	assert.True(t, ok)

	now = now.Add(l.period)
	ok, _ = l.AllowTicket(ctx, "u1")
	assert.True(t, ok)
}
