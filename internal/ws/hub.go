package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/service"
)

// Subscriptions — подписки сервиса поддержки с проверкой прав по identity из ctx.
type Subscriptions interface {
	WatchTickets(ctx context.Context, all bool, cb func([]model.Ticket)) (func(), error)
	WatchMessages(ctx context.Context, ticketID string, cb func(*service.MessagesSnapshot)) (func(), error)
	WatchUnread(ctx context.Context, cb func(int)) (func(), error)
}

// Hub ведёт реестр соединений и переводит команды клиентов в подписки сервиса.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int
	subs     Subscriptions

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(subs Subscriptions, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		subs:       subs,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Сетевой I/O вне мьютекса.
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.id.UserID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.id.UserID]; !ok {
		h.clients[c.id.UserID] = make(map[*Client]struct{})
	}
	h.clients[c.id.UserID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.id.UserID]
	if ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.id.UserID)
			}
		}
	}
	h.mu.Unlock()
	c.Close()
}

// Connections — число зарегистрированных соединений.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage выполняет команду клиента.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws."+string(msg.Type), time.Now())()
	switch msg.Type {
	case EventSubscribeTickets:
		unsub, err := h.subs.WatchTickets(ctx, msg.Scope == "all", func(ts []model.Ticket) {
			h.sendToClient(c, OutgoingMessage{Type: EventTickets, Payload: TicketsPayload{Tickets: ts}})
		})
		h.track(c, msg, subscriptionKey(TopicTickets, ""), unsub, err)
	case EventSubscribeMessages:
		if msg.TicketID == "" {
			h.sendError(c, msg, "ticket_id required")
			return
		}
		// Идентификатор не из базы: не доходим до хранилища, как и HTTP-ручки.
		if _, err := uuid.Parse(msg.TicketID); err != nil {
			h.sendError(c, msg, errorText(service.ErrTicketNotFound))
			return
		}
		unsub, err := h.subs.WatchMessages(ctx, msg.TicketID, func(s *service.MessagesSnapshot) {
			h.sendToClient(c, OutgoingMessage{Type: EventMessages, Payload: s})
		})
		h.track(c, msg, subscriptionKey(TopicMessages, msg.TicketID), unsub, err)
	case EventSubscribeUnread:
		unsub, err := h.subs.WatchUnread(ctx, func(n int) {
			h.sendToClient(c, OutgoingMessage{Type: EventUnread, Payload: UnreadPayload{Count: n}})
		})
		h.track(c, msg, subscriptionKey(TopicUnread, ""), unsub, err)
	case EventUnsubscribe:
		c.removeSubscription(subscriptionKey(msg.Topic, msg.TicketID))
	default:
		h.sendError(c, msg, "unknown event type")
	}
}

func (h *Hub) track(c *Client, msg IncomingMessage, key string, unsub func(), err error) {
	if err != nil {
		h.sendError(c, msg, errorText(err))
		if !errors.Is(err, service.ErrForbidden) && !errors.Is(err, service.ErrTicketNotFound) && !errors.Is(err, auth.ErrNotAuthenticated) {
			logger.Errorf("ws %s user=%s: %v", msg.Type, c.id.UserID, err)
		}
		return
	}
	if !c.addSubscription(key, unsub) {
		h.sendError(c, msg, "too many subscriptions")
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return err.Error()
	case errors.Is(err, service.ErrForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrTicketNotFound):
		return "ticket not found"
	}
	return "internal error"
}

func (h *Hub) sendError(c *Client, msg IncomingMessage, text string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: text, Event: msg.Type, TicketID: msg.TicketID}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Буфер переполнен: медленный клиент отключается.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.id.UserID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
