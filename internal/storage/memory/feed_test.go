package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/storage"
)

func TestFeedDeliversOnlyMatchingChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewFeed()

	ch, err := f.Subscribe(ctx, storage.Topic{Table: storage.TableMessages, Column: "ticket_id", Value: "t1"})
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, storage.Change{Table: storage.TableMessages, Op: storage.OpInsert, TicketID: "t2"}))
	require.NoError(t, f.Publish(ctx, storage.Change{Table: storage.TableTickets, Op: storage.OpUpdate, TicketID: "t1"}))
	require.NoError(t, f.Publish(ctx, storage.Change{Table: storage.TableMessages, Op: storage.OpInsert, TicketID: "t1", ID: "m1"}))

	select {
	case c := <-ch:
		assert.Equal(t, "m1", c.ID)
	case <-time.After(time.Second):
		t.Fatal("expected change")
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestFeedClosesChannelOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFeed()

	ch, err := f.Subscribe(ctx, storage.Topic{Table: storage.TableTickets})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, f.Subscribers())
}

func TestTopicMatches(t *testing.T) {
	c := storage.Change{Table: storage.TableTickets, UserID: "u1", TicketID: "t1"}
	assert.True(t, storage.Topic{Table: storage.TableTickets}.Matches(c))
	assert.True(t, storage.Topic{Table: storage.TableTickets, Column: "user_id", Value: "u1"}.Matches(c))
	assert.False(t, storage.Topic{Table: storage.TableTickets, Column: "user_id", Value: "u2"}.Matches(c))
	assert.False(t, storage.Topic{Table: storage.TableMessages}.Matches(c))
	assert.False(t, storage.Topic{Table: storage.TableTickets, Column: "unknown", Value: "x"}.Matches(c))
}
