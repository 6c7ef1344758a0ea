package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/storage"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("ACADEMY_TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPublishDeliversLocallyAndRemotely(t *testing.T) {
	a := testClient(t)
	b := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticketID := uuid.NewString()
	topic := storage.Topic{Table: storage.TableTickets, Column: "ticket_id", Value: ticketID}
	local, err := a.Subscribe(ctx, topic)
	require.NoError(t, err)
	remote, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	select {
	case c := <-local:
		t.Fatalf("unexpected change %+v", c)
	default:
	}

	// b подписывается на канал асинхронно, повторяем публикацию до доставки.
	gotLocal := false
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, a.Publish(ctx, storage.Change{Table: storage.TableTickets, Op: storage.OpUpdate, TicketID: ticketID}))
		select {
		case c := <-local:
			assert.Equal(t, ticketID, c.TicketID)
			gotLocal = true
		default:
		}
		select {
		case c := <-remote:
			assert.Equal(t, ticketID, c.TicketID)
			assert.True(t, gotLocal)
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("remote change not delivered")
		}
	}
}

func TestAllowTicketLimitsPerUser(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	userID := uuid.NewString()

	for i := 0; i < TicketRateLimitMax; i++ {
		ok, err := c.AllowTicket(ctx, userID)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
	}
	ok, err := c.AllowTicket(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.AllowTicket(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowTicketSetsWindowOnKeyWithoutExpiry(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	userID := uuid.NewString()
	key := ticketLimitKey(userID)
	t.Cleanup(func() { c.cli.Del(context.Background(), key) })

	// Ключ без TTL: первый INCR прошёл, EXPIRE — нет.
	require.NoError(t, c.cli.Incr(ctx, key).Err())
	require.Equal(t, time.Duration(-1), c.cli.TTL(ctx, key).Val())

	ok, err := c.AllowTicket(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl := c.cli.TTL(ctx, key).Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, TicketRateLimitWindow*time.Second)
	assert.Equal(t, "2", c.cli.Get(ctx, key).Val())
}
