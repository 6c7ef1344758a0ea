package storage

import (
	"context"
	"errors"
	"time"

	"github.com/academy/internal/model"
)

var ErrNotFound = errors.New("not found")

// Имена таблиц — они же имена тем для ленты изменений.
const (
	TableTickets  = "support_tickets"
	TableMessages = "support_messages"
	TableReads    = "support_message_reads"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Side — сторона диалога, чей счётчик непрочитанного меняется.
type Side int

const (
	SideStudent Side = iota // unread_count
	SideAdmin               // admin_unread_count
)

// TicketStore — операции над строками support_tickets.
// Реализации: postgres.Gateway, memory.Gateway.
type TicketStore interface {
	InsertTicket(ctx context.Context, t *model.Ticket) error
	// GetTicket возвращает ErrNotFound, если строки нет.
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	// ListTickets сортирует по last_message_at desc, NULL в конце. Пустой userID — все обращения.
	ListTickets(ctx context.Context, userID string) ([]model.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus, at time.Time) error
	UpdateTicketPriority(ctx context.Context, id string, p model.Priority, at time.Time) error
	UpdateTicketAssignee(ctx context.Context, id string, assigneeID, assigneeName *string, at time.Time) error
	// WriteCounters перезаписывает счётчики значениями, вычисленными вызывающим (read-then-write).
	WriteCounters(ctx context.Context, id string, c model.Counters, lastMessageAt *time.Time, at time.Time) error
	// IncrementOnSend атомарно увеличивает message_count и счётчик стороны-получателя.
	IncrementOnSend(ctx context.Context, id string, senderIsAdmin bool, at time.Time) error
	// DecrementOnDelete атомарно уменьшает message_count (не ниже 0) и подрезает непрочитанные.
	DecrementOnDelete(ctx context.Context, id string, at time.Time) error
	ResetUnread(ctx context.Context, id string, side Side, at time.Time) error
	DeleteTicket(ctx context.Context, id string) error
}

// MessageStore — операции над строками support_messages.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *model.Message) error
	// ListMessages возвращает сообщения по возрастанию created_at.
	ListMessages(ctx context.Context, ticketID string) ([]model.Message, error)
	// UpdateMessageBody ограничен обоими id; ErrNotFound, если строка не найдена.
	UpdateMessageBody(ctx context.Context, ticketID, messageID, body string, editedAt time.Time) error
	// DeleteMessage ограничен обоими id; ErrNotFound, если строка не найдена.
	DeleteMessage(ctx context.Context, ticketID, messageID string) error
	DeleteTicketMessages(ctx context.Context, ticketID string) error
}

// ReceiptStore — отметки о прочтении.
type ReceiptStore interface {
	// InsertReceipts не трогает уже существующие пары (message_id, user_id).
	InsertReceipts(ctx context.Context, receipts []model.ReadReceipt) error
	ListReceipts(ctx context.Context, ticketID string) ([]model.ReadReceipt, error)
}

// PermissionStore — флаг администратора из user_permissions.
type PermissionStore interface {
	IsAdministrator(ctx context.Context, userID string) (bool, error)
}

// Gateway — полный набор операций хранилища поддержки.
type Gateway interface {
	TicketStore
	MessageStore
	ReceiptStore
	PermissionStore
}
