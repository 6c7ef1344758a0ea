package storage

import "context"

// Change — уведомление об изменении строки. Доставка не гарантирована (может задержаться или потеряться),
// поэтому подписчики всегда дополняют её периодическим опросом.
type Change struct {
	Table    string `json:"table"`
	Op       Op     `json:"op"`
	ID       string `json:"id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// Topic — таблица и необязательный фильтр по равенству одной колонки (user_id или ticket_id).
type Topic struct {
	Table  string
	Column string
	Value  string
}

func (t Topic) Matches(c Change) bool {
	if t.Table != c.Table {
		return false
	}
	switch t.Column {
	case "":
		return true
	case "user_id":
		return c.UserID == t.Value
	case "ticket_id":
		return c.TicketID == t.Value
	case "id":
		return c.ID == t.Value
	}
	return false
}

// ChangeFeed публикует и доставляет изменения.
// Реализации: postgres.Feed (LISTEN/NOTIFY), redis.Client (Pub/Sub), memory.Feed (для -dev и тестов).
type ChangeFeed interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe возвращает канал изменений по теме; канал закрывается после отмены ctx.
	Subscribe(ctx context.Context, topic Topic) (<-chan Change, error)
	Close() error
}
