package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/storage"
	"github.com/academy/internal/storage/memory"
)

// ChangesChannel — канал Pub/Sub для изменений поддержки.
const ChangesChannel = "academy:support:changes"

// Лимит создания обращений: окно и максимум на пользователя.
const (
	TicketRateLimitWindow = 3600
	TicketRateLimitMax    = 20
)

type envelope struct {
	storage.Change
	InstanceID string `json:"instance_id"`
}

// Client — лента изменений поверх Redis Pub/Sub и лимитер создания обращений.
// Локальная раздача подписчикам идёт через memory.Feed; свои события доставляются сразу.
type Client struct {
	cli        *redis.Client
	local      *memory.Feed
	instanceID string
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:        cli,
		local:      memory.NewFeed(),
		instanceID: uuid.NewString(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.subscribeWithReconnect(runCtx)
	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		_ = c.local.Close()
		err = c.cli.Close()
	})
	return err
}

func (c *Client) Publish(ctx context.Context, ch storage.Change) error {
	_ = c.local.Publish(ctx, ch)
	data, err := json.Marshal(envelope{Change: ch, InstanceID: c.instanceID})
	if err != nil {
		return fmt.Errorf("redis publish marshal: %w", err)
	}
	if err := c.cli.Publish(ctx, ChangesChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic storage.Topic) (<-chan storage.Change, error) {
	return c.local.Subscribe(ctx, topic)
}

func (c *Client) subscribeWithReconnect(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := c.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("redis: subscription disconnected, reconnecting in %v: %v", backoff, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	pubsub := c.cli.Subscribe(ctx, ChangesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChangesChannel, err)
	}
	logger.Infof("redis: subscribed to %s", ChangesChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel %s closed", ChangesChannel)
			}
			var e envelope
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				logger.Warnf("redis: bad payload %q: %v", msg.Payload, err)
				continue
			}
			if e.InstanceID == c.instanceID {
				continue
			}
			_ = c.local.Publish(ctx, e.Change)
		}
	}
}

// AllowTicket считает создания обращений в ticket_limit:{userID}: не более TicketRateLimitMax за окно.
// Окно ставится, когда у ключа нет TTL, так что ключ без срока (упавший EXPIRE) чинится следующим вызовом.
func (c *Client) AllowTicket(ctx context.Context, userID string) (bool, error) {
	key := ticketLimitKey(userID)
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	if _, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	}); err != nil {
		return false, fmt.Errorf("ticket limit: %w", err)
	}
	if ttl.Val() < 0 {
		if err := c.cli.Expire(ctx, key, TicketRateLimitWindow*time.Second).Err(); err != nil {
			return false, fmt.Errorf("ticket limit expire: %w", err)
		}
	}
	return incr.Val() <= int64(TicketRateLimitMax), nil
}

func ticketLimitKey(userID string) string {
	return "ticket_limit:" + userID
}

var _ storage.ChangeFeed = (*Client)(nil)
