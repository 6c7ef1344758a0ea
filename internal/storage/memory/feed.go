package memory

import (
	"context"
	"sync"

	"github.com/academy/internal/storage"
)

const subscriberBuffer = 32

type subscriber struct {
	topic storage.Topic
	ch    chan storage.Change
}

// Feed — лента изменений внутри процесса. Медленный подписчик теряет события (как и у внешних брокеров),
// подписка догоняет состояние на следующем опросе.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

func (f *Feed) Publish(ctx context.Context, c storage.Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		if !s.topic.Matches(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, topic storage.Topic) (<-chan storage.Change, error) {
	s := &subscriber{topic: topic, ch: make(chan storage.Change, subscriberBuffer)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.ch)
		return s.ch, nil
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(s)
	}()
	return s.ch, nil
}

func (f *Feed) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.ch)
}

// Subscribers возвращает число активных подписок.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		close(s.ch)
	}
	return nil
}

var _ storage.ChangeFeed = (*Feed)(nil)
