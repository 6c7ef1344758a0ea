package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/storage"
	"github.com/academy/internal/storage/memory"
)

// NotifyChannel — канал LISTEN/NOTIFY для изменений поддержки.
const NotifyChannel = "support_changes"

type envelope struct {
	storage.Change
	InstanceID string `json:"instance_id"`
}

// Feed — лента изменений поверх LISTEN/NOTIFY. Одно выделенное соединение слушает канал,
// локальная раздача подписчикам идёт через memory.Feed. Свои события доставляются сразу,
// из NOTIFY они пропускаются по instanceID.
type Feed struct {
	pool       *pgxpool.Pool
	local      *memory.Feed
	instanceID string
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// NewFeed запускает слушателя; он работает до Close.
func NewFeed(pool *pgxpool.Pool) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		pool:       pool,
		local:      memory.NewFeed(),
		instanceID: uuid.NewString(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go f.listenWithReconnect(ctx)
	return f
}

func (f *Feed) Publish(ctx context.Context, c storage.Change) error {
	_ = f.local.Publish(ctx, c)
	data, err := json.Marshal(envelope{Change: c, InstanceID: f.instanceID})
	if err != nil {
		return fmt.Errorf("feed.Publish marshal: %w", err)
	}
	if _, err := f.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(data)); err != nil {
		return fmt.Errorf("feed.Publish: %w", err)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, topic storage.Topic) (<-chan storage.Change, error) {
	return f.local.Subscribe(ctx, topic)
}

func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
		_ = f.local.Close()
	})
	return nil
}

func (f *Feed) listenWithReconnect(ctx context.Context) {
	defer close(f.done)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("feed: listener disconnected, reconnecting in %v: %v", backoff, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (f *Feed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	// Соединение с активным LISTEN не возвращаем в пул как есть.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Conn().Close(closeCtx)
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Infof("feed: listening on %s", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var e envelope
		if err := json.Unmarshal([]byte(n.Payload), &e); err != nil {
			logger.Warnf("feed: bad payload %q: %v", n.Payload, err)
			continue
		}
		if e.InstanceID == f.instanceID {
			continue
		}
		_ = f.local.Publish(ctx, e.Change)
	}
}

var _ storage.ChangeFeed = (*Feed)(nil)
