package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

// CreateTicketParams — данные нового обращения и его первого сообщения.
type CreateTicketParams struct {
	UserID         string
	UserName       string
	UserEmail      string
	Type           model.TicketType
	Subject        string
	Description    string
	InitialMessage string
	Image          *string
	Priority       model.Priority
	Context        *model.TicketContext
}

// Validate проверяет тип, тему, текст первого сообщения и приоритет без обращения к хранилищу.
func (p CreateTicketParams) Validate() error {
	if !p.Type.Valid() {
		return model.ErrInvalidTicketType
	}
	if model.NormalizeText(p.Subject) == "" {
		return model.ErrEmptySubject
	}
	if p.firstMessage() == "" && p.Image == nil {
		return model.ErrEmptyBody
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return model.ErrInvalidPriority
	}
	return nil
}

// firstMessage: текст первого сообщения, при пустом — описание.
func (p CreateTicketParams) firstMessage() string {
	if body := model.NormalizeText(p.InitialMessage); body != "" {
		return body
	}
	return model.NormalizeText(p.Description)
}

type TicketRepository struct {
	store storage.Gateway
	pub   publisher
	now   func() time.Time
	newID func() string
}

func NewTicketRepository(store storage.Gateway, feed storage.ChangeFeed) *TicketRepository {
	return &TicketRepository{
		store: store,
		pub:   publisher{feed: feed, tickets: store},
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// CreateTicket вставляет обращение (open, счётчики 1/0/1), затем первое сообщение студента.
// Шаги не в транзакции: если сообщение не записалось, ошибка логируется, id обращения всё равно возвращается.
func (r *TicketRepository) CreateTicket(ctx context.Context, p CreateTicketParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	body := p.firstMessage()
	priority := p.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	subject := model.NormalizeText(p.Subject)

	now := r.now()
	t := &model.Ticket{
		ID:               r.newID(),
		UserID:           p.UserID,
		UserName:         p.UserName,
		UserEmail:        p.UserEmail,
		Type:             p.Type,
		Subject:          subject,
		Description:      model.NormalizeText(p.Description),
		Status:           model.TicketStatusOpen,
		Priority:         priority,
		Context:          p.Context,
		MessageCount:     1,
		UnreadCount:      0,
		AdminUnreadCount: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastMessageAt:    &now,
	}
	if err := r.store.InsertTicket(ctx, t); err != nil {
		return "", err
	}
	r.pub.ticketChanged(ctx, storage.OpInsert, t.ID, t.UserID)

	m := &model.Message{
		ID:          r.newID(),
		TicketID:    t.ID,
		SenderID:    p.UserID,
		SenderName:  p.UserName,
		SenderEmail: p.UserEmail,
		Body:        body,
		IsAdmin:     false,
		Image:       p.Image,
		CreatedAt:   now,
	}
	if err := r.store.InsertMessage(ctx, m); err != nil {
		logger.Errorf("ticket %s: insert first message: %v", t.ID, err)
		return t.ID, nil
	}
	r.pub.messageChanged(ctx, storage.OpInsert, t.ID, m.ID, m.SenderID)
	return t.ID, nil
}

// GetTicket возвращает nil без ошибки, если обращения нет.
func (r *TicketRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := r.store.GetTicket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TicketRepository) ListTicketsForUser(ctx context.Context, userID string) ([]model.Ticket, error) {
	if userID == "" {
		return []model.Ticket{}, nil
	}
	return r.store.ListTickets(ctx, userID)
}

func (r *TicketRepository) ListAllTickets(ctx context.Context) ([]model.Ticket, error) {
	return r.store.ListTickets(ctx, "")
}

// UpdateStatus не проверяет допустимость перехода, только значение статуса.
func (r *TicketRepository) UpdateStatus(ctx context.Context, id string, status model.TicketStatus) error {
	if !status.Valid() {
		return model.ErrInvalidStatus
	}
	if err := r.store.UpdateTicketStatus(ctx, id, status, r.now()); err != nil {
		return err
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, id, "")
	return nil
}

func (r *TicketRepository) Reopen(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, model.TicketStatusOpen)
}

func (r *TicketRepository) UpdatePriority(ctx context.Context, id string, p model.Priority) error {
	if !p.Valid() {
		return model.ErrInvalidPriority
	}
	if err := r.store.UpdateTicketPriority(ctx, id, p, r.now()); err != nil {
		return err
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, id, "")
	return nil
}

// Assign назначает исполнителя; пустой assigneeID снимает назначение.
func (r *TicketRepository) Assign(ctx context.Context, id, assigneeID, assigneeName string) error {
	var aid, aname *string
	if assigneeID != "" {
		aid, aname = &assigneeID, &assigneeName
	}
	if err := r.store.UpdateTicketAssignee(ctx, id, aid, aname, r.now()); err != nil {
		return err
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, id, "")
	return nil
}

// MarkReadByStudent обнуляет unread_count и ставит отметки userID на все сообщения администраторов.
func (r *TicketRepository) MarkReadByStudent(ctx context.Context, ticketID, userID string) error {
	return r.markRead(ctx, ticketID, userID, storage.SideStudent)
}

// MarkReadByAdmin обнуляет admin_unread_count и ставит отметки администратора на сообщения студента.
// Пустой adminID — только сброс счётчика.
func (r *TicketRepository) MarkReadByAdmin(ctx context.Context, ticketID, adminID string) error {
	return r.markRead(ctx, ticketID, adminID, storage.SideAdmin)
}

func (r *TicketRepository) markRead(ctx context.Context, ticketID, readerID string, side storage.Side) error {
	now := r.now()
	if err := r.store.ResetUnread(ctx, ticketID, side, now); err != nil {
		return err
	}
	r.pub.ticketChanged(ctx, storage.OpUpdate, ticketID, "")
	if readerID == "" {
		return nil
	}

	messages, err := r.store.ListMessages(ctx, ticketID)
	if err != nil {
		return err
	}
	readerIsAdmin := side == storage.SideAdmin
	receipts := make([]model.ReadReceipt, 0, len(messages))
	for _, m := range messages {
		// Отмечаются только сообщения другой стороны.
		if m.IsAdmin == readerIsAdmin {
			continue
		}
		receipts = append(receipts, model.ReadReceipt{MessageID: m.ID, UserID: readerID, ReaderIsAdmin: readerIsAdmin, ReadAt: now})
	}
	if len(receipts) == 0 {
		return nil
	}
	if err := r.store.InsertReceipts(ctx, receipts); err != nil {
		return err
	}
	r.pub.publish(ctx, storage.Change{Table: storage.TableReads, Op: storage.OpInsert, TicketID: ticketID, UserID: readerID})
	return nil
}

// DeleteTicket удаляет сообщения, затем обращение. Если сообщения удалить не удалось, обращение остаётся.
func (r *TicketRepository) DeleteTicket(ctx context.Context, id string) error {
	var ownerID string
	if t, err := r.store.GetTicket(ctx, id); err == nil {
		ownerID = t.UserID
	}
	if err := r.store.DeleteTicketMessages(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteTicket(ctx, id); err != nil {
		return err
	}
	r.pub.publish(ctx, storage.Change{Table: storage.TableMessages, Op: storage.OpDelete, TicketID: id})
	r.pub.ticketChanged(ctx, storage.OpDelete, id, ownerID)
	return nil
}

// UnreadTotal суммирует непрочитанное стороны по обращениям пользователя (администратор — по всем).
func (r *TicketRepository) UnreadTotal(ctx context.Context, userID string, isAdmin bool) (int, error) {
	var (
		tickets []model.Ticket
		err     error
	)
	if isAdmin {
		tickets, err = r.ListAllTickets(ctx)
	} else {
		tickets, err = r.ListTicketsForUser(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range tickets {
		total += tickets[i].UnreadFor(isAdmin)
	}
	return total, nil
}
