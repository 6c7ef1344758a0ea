package repository

import (
	"context"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/storage"
)

// publisher отправляет изменения в ленту после успешной записи. Ошибка ленты не ломает операцию:
// подписчики всё равно догонят состояние опросом.
type publisher struct {
	feed    storage.ChangeFeed
	tickets storage.TicketStore
}

func (p publisher) publish(ctx context.Context, c storage.Change) {
	if p.feed == nil {
		return
	}
	if err := p.feed.Publish(ctx, c); err != nil {
		logger.Warnf("feed publish %s/%s: %v", c.Table, c.Op, err)
	}
}

// ticketChanged публикует изменение обращения; без ownerID владелец читается из хранилища,
// чтобы изменение дошло до подписок с фильтром по user_id.
func (p publisher) ticketChanged(ctx context.Context, op storage.Op, ticketID, ownerID string) {
	if p.feed == nil {
		return
	}
	if ownerID == "" && op != storage.OpDelete {
		if t, err := p.tickets.GetTicket(ctx, ticketID); err == nil && t != nil {
			ownerID = t.UserID
		}
	}
	p.publish(ctx, storage.Change{Table: storage.TableTickets, Op: op, ID: ticketID, TicketID: ticketID, UserID: ownerID})
}

func (p publisher) messageChanged(ctx context.Context, op storage.Op, ticketID, messageID, senderID string) {
	p.publish(ctx, storage.Change{Table: storage.TableMessages, Op: op, ID: messageID, TicketID: ticketID, UserID: senderID})
}
