package service

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

// MessagesSnapshot — полная переписка обращения. ReadBy: id сообщения зрителя → прочитано ли другой стороной.
// Ticket == nil — обращение удалено.
type MessagesSnapshot struct {
	TicketID string          `json:"ticket_id"`
	Ticket   *model.Ticket   `json:"ticket"`
	Messages []model.Message `json:"messages"`
	ReadBy   map[string]bool `json:"read_by"`
}

// watch: подписывается на ленту, сразу выполняет fetch, затем повторяет его по событиям ленты и по таймеру с джиттером.
// Все вызовы fetch идут из одной горутины, поэтому снимки приходят в порядке запросов.
// Ошибки fetch логируются, подписка продолжает работу. Возвращаемая функция идемпотентна.
func (s *SupportService) watch(parent context.Context, name string, topics []storage.Topic, interval time.Duration, fetch func(ctx context.Context) error) func() {
	ctx, cancel := context.WithCancel(parent)
	run := func() {
		if ctx.Err() != nil {
			return
		}
		if err := fetch(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("subscription %s: %v", name, err)
		}
	}

	kick := make(chan struct{}, 1)
	if s.feed != nil {
		for _, topic := range topics {
			ch, err := s.feed.Subscribe(ctx, topic)
			if err != nil {
				logger.Warnf("subscription %s: feed %s unavailable, polling only: %v", name, topic.Table, err)
				continue
			}
			go func() {
				for range ch {
					// Пачка событий схлопывается в один повторный запрос.
					select {
					case kick <- struct{}{}:
					default:
					}
				}
			}()
		}
	}

	run()

	go func() {
		timer := time.NewTimer(s.pollDelay(interval))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				run()
			case <-timer.C:
				run()
				timer.Reset(s.pollDelay(interval))
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }
}

func (s *SupportService) pollDelay(interval time.Duration) time.Duration {
	if s.opts.PollJitter <= 0 {
		return interval
	}
	return interval + rand.N(s.opts.PollJitter)
}

// SubscribeToTickets доставляет список обращений пользователя (пустой userID — все обращения).
func (s *SupportService) SubscribeToTickets(ctx context.Context, userID string, cb func([]model.Ticket)) func() {
	topic := storage.Topic{Table: storage.TableTickets}
	if userID != "" {
		topic.Column, topic.Value = "user_id", userID
	}
	return s.watch(ctx, "tickets:"+userID, []storage.Topic{topic}, s.opts.TicketPollInterval, func(ctx context.Context) error {
		var (
			tickets []model.Ticket
			err     error
		)
		if userID == "" {
			tickets, err = s.tickets.ListAllTickets(ctx)
		} else {
			tickets, err = s.tickets.ListTicketsForUser(ctx, userID)
		}
		if err != nil {
			return err
		}
		if ctx.Err() == nil {
			cb(tickets)
		}
		return nil
	})
}

// SubscribeToMessages доставляет снимки переписки. asAdmin — сторона зрителя; после каждого снимка,
// если у зрителя есть непрочитанное, обращение отмечается прочитанным за его сторону.
func (s *SupportService) SubscribeToMessages(ctx context.Context, ticketID string, viewer auth.Identity, asAdmin bool, cb func(*MessagesSnapshot)) func() {
	topics := []storage.Topic{
		{Table: storage.TableMessages, Column: "ticket_id", Value: ticketID},
		{Table: storage.TableReads, Column: "ticket_id", Value: ticketID},
		{Table: storage.TableTickets, Column: "id", Value: ticketID},
	}
	return s.watch(ctx, "messages:"+ticketID, topics, s.opts.MessagePollInterval, func(ctx context.Context) error {
		t, err := s.tickets.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t == nil {
			if ctx.Err() == nil {
				cb(&MessagesSnapshot{TicketID: ticketID, Messages: []model.Message{}, ReadBy: map[string]bool{}})
			}
			return nil
		}
		snap, err := s.snapshot(ctx, t, asAdmin)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		cb(snap)

		if t.UnreadFor(asAdmin) == 0 || viewer.UserID == "" {
			return nil
		}
		if asAdmin {
			return s.tickets.MarkReadByAdmin(ctx, ticketID, viewer.UserID)
		}
		return s.tickets.MarkReadByStudent(ctx, ticketID, viewer.UserID)
	})
}

// SubscribeToGlobalUnread — только опрос, без ленты.
func (s *SupportService) SubscribeToGlobalUnread(ctx context.Context, userID string, isAdmin bool, cb func(int)) func() {
	return s.watch(ctx, "unread:"+userID, nil, s.opts.UnreadPollInterval, func(ctx context.Context) error {
		total, err := s.tickets.UnreadTotal(ctx, userID, isAdmin)
		if err != nil {
			return err
		}
		if ctx.Err() == nil {
			cb(total)
		}
		return nil
	})
}

func (s *SupportService) snapshot(ctx context.Context, t *model.Ticket, asAdmin bool) (*MessagesSnapshot, error) {
	msgs, err := s.messages.ListMessages(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	var readBy map[string]bool
	if asAdmin {
		readBy, err = s.messages.StudentReadMap(ctx, t.ID, t.UserID)
	} else {
		readBy, err = s.messages.AdminReadMap(ctx, t.ID)
	}
	if err != nil {
		return nil, err
	}
	return &MessagesSnapshot{TicketID: t.ID, Ticket: t, Messages: msgs, ReadBy: readBy}, nil
}

// WatchTickets подписывает текущего пользователя на его обращения; all — на все обращения (только администратор).
func (s *SupportService) WatchTickets(ctx context.Context, all bool, cb func([]model.Ticket)) (func(), error) {
	id, isAdmin, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	userID := id.UserID
	if all {
		if !isAdmin {
			return nil, ErrForbidden
		}
		userID = ""
	}
	return s.SubscribeToTickets(ctx, userID, cb), nil
}

// WatchMessages проверяет доступ к обращению и подписывает на переписку со стороны вызывающего.
func (s *SupportService) WatchMessages(ctx context.Context, ticketID string, cb func(*MessagesSnapshot)) (func(), error) {
	id, isAdmin, t, err := s.access(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return s.SubscribeToMessages(ctx, ticketID, id, actsAsAdmin(id, isAdmin, t), cb), nil
}

func (s *SupportService) WatchUnread(ctx context.Context, cb func(int)) (func(), error) {
	id, isAdmin, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.SubscribeToGlobalUnread(ctx, id.UserID, isAdmin, cb), nil
}
