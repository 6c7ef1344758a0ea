package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/repository"
	"github.com/academy/internal/storage"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// PushNotifier — web-push владельцу обращения при ответе администратора.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// AdminMailer — письмо администраторам о новом обращении.
type AdminMailer interface {
	SendNewTicket(ctx context.Context, to []string, t *model.Ticket) error
}

// TicketLimiter ограничивает частоту создания обращений пользователем.
type TicketLimiter interface {
	AllowTicket(ctx context.Context, userID string) (bool, error)
}

// Options — интервалы опроса подписок и необязательные уведомления.
type Options struct {
	TicketPollInterval  time.Duration
	MessagePollInterval time.Duration
	UnreadPollInterval  time.Duration
	PollJitter          time.Duration
	// AdminEmails — получатели письма о новом обращении.
	AdminEmails []string

	Push    PushNotifier
	Mailer  AdminMailer
	Limiter TicketLimiter
}

// NewTicket — данные формы создания обращения. Пустое Description заменяется текстом первого сообщения.
type NewTicket struct {
	Type        model.TicketType     `json:"type"`
	Subject     string               `json:"subject"`
	Description string               `json:"description,omitempty"`
	Message     string               `json:"message"`
	Image       *string              `json:"image,omitempty"`
	Priority    model.Priority       `json:"priority,omitempty"`
	Context     *model.TicketContext `json:"context,omitempty"`
}

// SupportService — единственная точка входа для HTTP и WebSocket: права, оркестрация, подписки.
type SupportService struct {
	tickets  *repository.TicketRepository
	messages *repository.MessageRepository
	roles    *auth.Roles
	feed     storage.ChangeFeed
	opts     Options

	bg sync.WaitGroup
}

func NewSupportService(tickets *repository.TicketRepository, messages *repository.MessageRepository, roles *auth.Roles, feed storage.ChangeFeed, opts Options) *SupportService {
	if opts.TicketPollInterval <= 0 {
		opts.TicketPollInterval = 5 * time.Second
	}
	if opts.MessagePollInterval <= 0 {
		opts.MessagePollInterval = 3 * time.Second
	}
	if opts.UnreadPollInterval <= 0 {
		opts.UnreadPollInterval = 7 * time.Second
	}
	return &SupportService{tickets: tickets, messages: messages, roles: roles, feed: feed, opts: opts}
}

// Wait дожидается фоновых уведомлений (для корректного завершения).
func (s *SupportService) Wait() {
	s.bg.Wait()
}

func (s *SupportService) background(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("%s: panic: %v", name, r)
			}
		}()
		fn(ctx)
	}()
}

// caller возвращает личность и роль; ErrNotAuthenticated до любого обращения к хранилищу.
func (s *SupportService) caller(ctx context.Context) (auth.Identity, bool, error) {
	id, err := auth.FromContext(ctx)
	if err != nil {
		return auth.Identity{}, false, err
	}
	isAdmin, err := s.roles.IsAdmin(ctx, id)
	if err != nil {
		return auth.Identity{}, false, err
	}
	return id, isAdmin, nil
}

// IsAdmin сообщает роль текущего пользователя.
func (s *SupportService) IsAdmin(ctx context.Context) (bool, error) {
	_, isAdmin, err := s.caller(ctx)
	return isAdmin, err
}

// access загружает обращение и проверяет, что вызывающий — владелец или администратор.
func (s *SupportService) access(ctx context.Context, ticketID string) (auth.Identity, bool, *model.Ticket, error) {
	id, isAdmin, err := s.caller(ctx)
	if err != nil {
		return id, false, nil, err
	}
	t, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return id, isAdmin, nil, err
	}
	if t == nil {
		return id, isAdmin, nil, ErrTicketNotFound
	}
	if !isAdmin && t.UserID != id.UserID {
		return id, isAdmin, nil, ErrForbidden
	}
	return id, isAdmin, t, nil
}

func (s *SupportService) requireAdmin(ctx context.Context) (auth.Identity, error) {
	id, isAdmin, err := s.caller(ctx)
	if err != nil {
		return id, err
	}
	if !isAdmin {
		return id, ErrForbidden
	}
	return id, nil
}

func (s *SupportService) CreateTicket(ctx context.Context, in NewTicket) (string, error) {
	id, err := auth.FromContext(ctx)
	if err != nil {
		return "", err
	}
	description := in.Description
	if model.NormalizeText(description) == "" {
		description = in.Message
	}
	params := repository.CreateTicketParams{
		UserID:         id.UserID,
		UserName:       id.Name,
		UserEmail:      id.Email,
		Type:           in.Type,
		Subject:        in.Subject,
		Description:    description,
		InitialMessage: in.Message,
		Image:          in.Image,
		Priority:       in.Priority,
		Context:        in.Context,
	}
	// Невалидная форма не должна расходовать лимит.
	if err := params.Validate(); err != nil {
		return "", err
	}
	if s.opts.Limiter != nil {
		ok, err := s.opts.Limiter.AllowTicket(ctx, id.UserID)
		if err != nil {
			// Лимитер недоступен — не блокируем создание.
			logger.Warnf("ticket limiter: %v", err)
		} else if !ok {
			return "", ErrRateLimitExceeded
		}
	}
	ticketID, err := s.tickets.CreateTicket(ctx, params)
	if err != nil {
		return "", err
	}
	logger.Infof("ticket %s created by %s", ticketID, id.UserID)

	if s.opts.Mailer != nil && len(s.opts.AdminEmails) > 0 {
		s.background(ctx, "new ticket mail", func(ctx context.Context) {
			t, err := s.tickets.GetTicket(ctx, ticketID)
			if err != nil || t == nil {
				logger.Warnf("new ticket mail %s: ticket not loaded: %v", ticketID, err)
				return
			}
			if err := s.opts.Mailer.SendNewTicket(ctx, s.opts.AdminEmails, t); err != nil {
				logger.Errorf("new ticket mail %s: %v", ticketID, err)
			}
		})
	}
	return ticketID, nil
}

// GetTicket возвращает nil без ошибки, если обращения нет.
func (s *SupportService) GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error) {
	_, _, t, err := s.access(ctx, ticketID)
	if errors.Is(err, ErrTicketNotFound) {
		return nil, nil
	}
	return t, err
}

// ListTicketsForUser — обращения текущего пользователя.
func (s *SupportService) ListTicketsForUser(ctx context.Context) ([]model.Ticket, error) {
	id, err := auth.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.tickets.ListTicketsForUser(ctx, id.UserID)
}

// ListAllTickets возвращает все обращения; только для администратора.
func (s *SupportService) ListAllTickets(ctx context.Context) ([]model.Ticket, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.tickets.ListAllTickets(ctx)
}

// UpdateStatus доступен владельцу и администратору; любой переход разрешён.
func (s *SupportService) UpdateStatus(ctx context.Context, ticketID string, status model.TicketStatus) error {
	if _, _, _, err := s.access(ctx, ticketID); err != nil {
		return err
	}
	return s.tickets.UpdateStatus(ctx, ticketID, status)
}

func (s *SupportService) Reopen(ctx context.Context, ticketID string) error {
	if _, _, _, err := s.access(ctx, ticketID); err != nil {
		return err
	}
	return s.tickets.Reopen(ctx, ticketID)
}

// UpdatePriority меняет приоритет обращения; только для администратора.
func (s *SupportService) UpdatePriority(ctx context.Context, ticketID string, p model.Priority) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.tickets.UpdatePriority(ctx, ticketID, p)
}

// Assign назначает исполнителя; пустой assigneeID снимает назначение. Только для администратора.
func (s *SupportService) Assign(ctx context.Context, ticketID, assigneeID, assigneeName string) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.tickets.Assign(ctx, ticketID, assigneeID, assigneeName)
}

// DeleteTicket удаляет обращение вместе с перепиской; только для администратора.
func (s *SupportService) DeleteTicket(ctx context.Context, ticketID string) error {
	if _, err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.tickets.DeleteTicket(ctx, ticketID)
}

func (s *SupportService) ListMessages(ctx context.Context, ticketID string) ([]model.Message, error) {
	if _, _, _, err := s.access(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.messages.ListMessages(ctx, ticketID)
}

// Messages возвращает снимок переписки с картой прочтения для стороны вызывающего.
func (s *SupportService) Messages(ctx context.Context, ticketID string) (*MessagesSnapshot, error) {
	id, isAdmin, t, err := s.access(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, t, actsAsAdmin(id, isAdmin, t))
}

// actsAsAdmin: администратор в чужом обращении выступает как поддержка, в своём — как студент.
func actsAsAdmin(id auth.Identity, isAdmin bool, t *model.Ticket) bool {
	return isAdmin && t.UserID != id.UserID
}

// SendMessage пишет сообщение от имени текущего пользователя. asAdmin требует роли администратора,
// сообщение студента можно писать только в своё обращение.
func (s *SupportService) SendMessage(ctx context.Context, ticketID, body string, image *string, asAdmin bool) (*model.Message, error) {
	id, isAdmin, t, err := s.access(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if asAdmin && !isAdmin {
		return nil, ErrForbidden
	}
	if !asAdmin && t.UserID != id.UserID {
		return nil, ErrForbidden
	}
	m, err := s.messages.SendMessage(ctx, ticketID, id, body, image, asAdmin)
	if err != nil {
		return nil, err
	}
	if asAdmin && s.opts.Push != nil && t.UserID != id.UserID {
		owner, subject := t.UserID, t.Subject
		s.background(ctx, "reply push", func(ctx context.Context) {
			s.opts.Push.Notify(ctx, owner, "Ответ поддержки: "+subject, previewText(m.Body), map[string]string{
				"ticket_id":  ticketID,
				"message_id": m.ID,
			})
		})
	}
	return m, nil
}

func previewText(s string) string {
	const maxRunes = 120
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}

// EditMessage разрешён только автору сообщения.
func (s *SupportService) EditMessage(ctx context.Context, ticketID, messageID, body string) error {
	id, _, _, err := s.access(ctx, ticketID)
	if err != nil {
		return err
	}
	m, err := s.messages.GetMessage(ctx, ticketID, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return storage.ErrNotFound
	}
	if m.SenderID != id.UserID {
		return ErrForbidden
	}
	return s.messages.EditMessage(ctx, ticketID, messageID, body)
}

// DeleteMessage разрешён автору и администратору.
func (s *SupportService) DeleteMessage(ctx context.Context, ticketID, messageID string) error {
	id, isAdmin, _, err := s.access(ctx, ticketID)
	if err != nil {
		return err
	}
	if !isAdmin {
		m, err := s.messages.GetMessage(ctx, ticketID, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return storage.ErrNotFound
		}
		if m.SenderID != id.UserID {
			return ErrForbidden
		}
	}
	return s.messages.DeleteMessage(ctx, ticketID, messageID)
}

// MarkTicketReadByStudent — прочтение владельцем обращения.
func (s *SupportService) MarkTicketReadByStudent(ctx context.Context, ticketID string) error {
	id, _, t, err := s.access(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.UserID != id.UserID {
		return ErrForbidden
	}
	return s.tickets.MarkReadByStudent(ctx, ticketID, id.UserID)
}

func (s *SupportService) MarkTicketReadByAdmin(ctx context.Context, ticketID string) error {
	id, err := s.requireAdmin(ctx)
	if err != nil {
		return err
	}
	return s.tickets.MarkReadByAdmin(ctx, ticketID, id.UserID)
}

// MarkRead отмечает прочтение за сторону, которой вызывающий является в этом обращении.
func (s *SupportService) MarkRead(ctx context.Context, ticketID string) error {
	id, isAdmin, t, err := s.access(ctx, ticketID)
	if err != nil {
		return err
	}
	if actsAsAdmin(id, isAdmin, t) {
		return s.tickets.MarkReadByAdmin(ctx, ticketID, id.UserID)
	}
	return s.tickets.MarkReadByStudent(ctx, ticketID, id.UserID)
}

// UnreadTotal — сумма непрочитанного для текущего пользователя (администратор — по всем обращениям).
func (s *SupportService) UnreadTotal(ctx context.Context) (int, error) {
	id, isAdmin, err := s.caller(ctx)
	if err != nil {
		return 0, err
	}
	return s.tickets.UnreadTotal(ctx, id.UserID, isAdmin)
}

// ActsAsAdmin сообщает, выступает ли вызывающий в этом обращении как поддержка.
func (s *SupportService) ActsAsAdmin(ctx context.Context, ticketID string) (bool, error) {
	id, isAdmin, t, err := s.access(ctx, ticketID)
	if err != nil {
		return false, err
	}
	return actsAsAdmin(id, isAdmin, t), nil
}
