package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

type MessageRepository struct {
	store storage.Gateway
	pub   publisher
	// atomic: счётчики меняются одним UPDATE; иначе читаются и записываются целиком.
	atomic bool
	now    func() time.Time
	newID  func() string
}

func NewMessageRepository(store storage.Gateway, feed storage.ChangeFeed, atomicCounters bool) *MessageRepository {
	return &MessageRepository{
		store:  store,
		pub:    publisher{feed: feed, tickets: store},
		atomic: atomicCounters,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// ListMessages возвращает сообщения по возрастанию времени создания.
func (r *MessageRepository) ListMessages(ctx context.Context, ticketID string) ([]model.Message, error) {
	return r.store.ListMessages(ctx, ticketID)
}

// GetMessage возвращает nil без ошибки, если сообщения в обращении нет.
func (r *MessageRepository) GetMessage(ctx context.Context, ticketID, messageID string) (*model.Message, error) {
	messages, err := r.store.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].ID == messageID {
			return &messages[i], nil
		}
	}
	return nil, nil
}

// SendMessage вставляет сообщение, затем увеличивает message_count и счётчик непрочитанного другой стороны.
func (r *MessageRepository) SendMessage(ctx context.Context, ticketID string, sender auth.Identity, body string, image *string, isAdmin bool) (*model.Message, error) {
	body = model.NormalizeText(body)
	if body == "" && image == nil {
		return nil, model.ErrEmptyBody
	}
	now := r.now()
	m := &model.Message{
		ID:          r.newID(),
		TicketID:    ticketID,
		SenderID:    sender.UserID,
		SenderName:  sender.Name,
		SenderEmail: sender.Email,
		Body:        body,
		IsAdmin:     isAdmin,
		Image:       image,
		CreatedAt:   now,
	}
	if err := r.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	r.pub.messageChanged(ctx, storage.OpInsert, ticketID, m.ID, m.SenderID)

	if r.atomic {
		if err := r.store.IncrementOnSend(ctx, ticketID, isAdmin, now); err != nil {
			return nil, err
		}
	} else {
		// Чтение и запись не атомарны: параллельные отправки могут потерять инкремент.
		t, err := r.store.GetTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if err := r.store.WriteCounters(ctx, ticketID, t.Counters().AfterSend(isAdmin), &now, now); err != nil {
			return nil, err
		}
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, ticketID, "")
	return m, nil
}

// EditMessage меняет текст и edited_at; ErrNotFound, если сообщения нет в этом обращении.
func (r *MessageRepository) EditMessage(ctx context.Context, ticketID, messageID, body string) error {
	body = model.NormalizeText(body)
	if body == "" {
		return model.ErrEmptyBody
	}
	if err := r.store.UpdateMessageBody(ctx, ticketID, messageID, body, r.now()); err != nil {
		return err
	}
	r.pub.messageChanged(ctx, storage.OpUpdate, ticketID, messageID, "")
	return nil
}

// DeleteMessage удаляет сообщение и уменьшает message_count (не ниже 0); непрочитанные подрезаются.
func (r *MessageRepository) DeleteMessage(ctx context.Context, ticketID, messageID string) error {
	if err := r.store.DeleteMessage(ctx, ticketID, messageID); err != nil {
		return err
	}
	r.pub.messageChanged(ctx, storage.OpDelete, ticketID, messageID, "")

	now := r.now()
	if r.atomic {
		if err := r.store.DecrementOnDelete(ctx, ticketID, now); err != nil {
			return err
		}
	} else {
		t, err := r.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := r.store.WriteCounters(ctx, ticketID, t.Counters().AfterDelete(), nil, now); err != nil {
			return err
		}
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, ticketID, "")
	return nil
}

// StudentReadMap: id сообщения администратора → прочитано ли владельцем обращения.
func (r *MessageRepository) StudentReadMap(ctx context.Context, ticketID, ownerID string) (map[string]bool, error) {
	return r.readMap(ctx, ticketID, true, func(rc model.ReadReceipt) bool { return rc.UserID == ownerID })
}

// AdminReadMap: id сообщения студента → прочитано ли кем-то из администраторов.
// Учитываются только отметки с reader_is_admin; отметка самого студента не считается.
func (r *MessageRepository) AdminReadMap(ctx context.Context, ticketID string) (map[string]bool, error) {
	return r.readMap(ctx, ticketID, false, func(rc model.ReadReceipt) bool { return rc.ReaderIsAdmin })
}

func (r *MessageRepository) readMap(ctx context.Context, ticketID string, authorIsAdmin bool, counts func(model.ReadReceipt) bool) (map[string]bool, error) {
	messages, err := r.store.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	receipts, err := r.store.ListReceipts(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	read := make(map[string]bool, len(messages))
	for _, m := range messages {
		if m.IsAdmin == authorIsAdmin {
			read[m.ID] = false
		}
	}
	for _, rc := range receipts {
		if _, ok := read[rc.MessageID]; ok && counts(rc) {
			read[rc.MessageID] = true
		}
	}
	return read, nil
}
