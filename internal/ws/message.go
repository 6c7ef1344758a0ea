package ws

import (
	"github.com/academy/internal/model"
	"github.com/academy/internal/service"
)

type EventType string

const (
	EventSubscribeTickets  EventType = "subscribe_tickets"
	EventSubscribeMessages EventType = "subscribe_messages"
	EventSubscribeUnread   EventType = "subscribe_unread"
	EventUnsubscribe       EventType = "unsubscribe"

	EventTickets  EventType = "tickets"
	EventMessages EventType = "messages"
	EventUnread   EventType = "unread"
	EventError    EventType = "error"
)

// Темы подписок клиента; messages дополнительно ключуется ticket_id.
const (
	TopicTickets  = "tickets"
	TopicMessages = "messages"
	TopicUnread   = "unread"
)

// IncomingMessage — команда от браузера.
type IncomingMessage struct {
	Type EventType `json:"type"`
	// subscribe_tickets: "all" — все обращения (только администратор).
	Scope    string `json:"scope,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	// unsubscribe: tickets | messages | unread.
	Topic string `json:"topic,omitempty"`
}

type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type TicketsPayload struct {
	Tickets []model.Ticket `json:"tickets"`
}

// MessagesPayload — снимок переписки обращения.
type MessagesPayload = service.MessagesSnapshot

type UnreadPayload struct {
	Count int `json:"count"`
}

type ErrorPayload struct {
	Message  string    `json:"message"`
	Event    EventType `json:"event,omitempty"`
	TicketID string    `json:"ticket_id,omitempty"`
}

func subscriptionKey(topic, ticketID string) string {
	if topic == TopicMessages {
		return topic + ":" + ticketID
	}
	return topic
}
