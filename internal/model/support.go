package model

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidTicketType = errors.New("invalid ticket type")
	ErrInvalidStatus     = errors.New("invalid ticket status")
	ErrInvalidPriority   = errors.New("invalid ticket priority")
	ErrEmptySubject      = errors.New("subject is required")
	ErrEmptyBody         = errors.New("message body is required")
)

type TicketType string

const (
	TicketTypeBug        TicketType = "bug"
	TicketTypeSuggestion TicketType = "suggestion"
	TicketTypeQuestion   TicketType = "question"
	TicketTypeOther      TicketType = "other"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketTypeBug, TicketTypeSuggestion, TicketTypeQuestion, TicketTypeOther:
		return true
	}
	return false
}

// TicketStatus — статус обращения. Переходы не валидируются: open ⇄ in_progress ⇄ pending → resolved → closed,
// reopen возвращает в open. Допустимость перехода — соглашение интерфейса.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusPending    TicketStatus = "pending"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusPending, TicketStatusInProgress, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// TicketContext — снимок окружения клиента в момент создания обращения.
type TicketContext struct {
	PageURL         string `json:"page_url,omitempty"`
	PageTitle       string `json:"page_title,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	ClientTimestamp string `json:"client_timestamp,omitempty"`
	AppVersion      string `json:"app_version,omitempty"`
}

type Ticket struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	UserName         string         `json:"user_name"`
	UserEmail        string         `json:"user_email"`
	Type             TicketType     `json:"type"`
	Subject          string         `json:"subject"`
	Description      string         `json:"description"`
	Status           TicketStatus   `json:"status"`
	Priority         Priority       `json:"priority"`
	AssigneeID       *string        `json:"assignee_id,omitempty"`
	AssigneeName     *string        `json:"assignee_name,omitempty"`
	Context          *TicketContext `json:"context,omitempty"`
	MessageCount     int            `json:"message_count"`
	UnreadCount      int            `json:"unread_count"`       // не прочитано студентом
	AdminUnreadCount int            `json:"admin_unread_count"` // не прочитано администраторами
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LastMessageAt    *time.Time     `json:"last_message_at,omitempty"`
}

// UnreadFor возвращает счётчик непрочитанного для нужной стороны диалога.
func (t *Ticket) UnreadFor(isAdmin bool) int {
	if isAdmin {
		return t.AdminUnreadCount
	}
	return t.UnreadCount
}

type Message struct {
	ID          string     `json:"id"`
	TicketID    string     `json:"ticket_id"`
	SenderID    string     `json:"sender_id"`
	SenderName  string     `json:"sender_name"`
	SenderEmail string     `json:"sender_email"`
	Body        string     `json:"body"`
	IsAdmin     bool       `json:"is_admin"`
	Image       *string    `json:"image,omitempty"` // data URL, хранится в строке сообщения
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReadReceipt — отметка о прочтении сообщения пользователем. Ключ (MessageID, UserID), запись только один раз.
type ReadReceipt struct {
	MessageID     string    `json:"message_id"`
	UserID        string    `json:"user_id"`
	ReaderIsAdmin bool      `json:"reader_is_admin"`
	ReadAt        time.Time `json:"read_at"`
}

// Counters — денормализованные счётчики обращения.
type Counters struct {
	MessageCount     int
	UnreadCount      int
	AdminUnreadCount int
}

// AfterSend возвращает счётчики после отправки сообщения: растёт счётчик противоположной стороны.
func (c Counters) AfterSend(isAdmin bool) Counters {
	c.MessageCount++
	if isAdmin {
		c.UnreadCount++
	} else {
		c.AdminUnreadCount++
	}
	return c
}

// AfterDelete уменьшает MessageCount (не ниже 0) и подрезает непрочитанные до нового значения.
func (c Counters) AfterDelete() Counters {
	if c.MessageCount > 0 {
		c.MessageCount--
	}
	c.UnreadCount = min(max(c.UnreadCount, 0), c.MessageCount)
	c.AdminUnreadCount = min(max(c.AdminUnreadCount, 0), c.MessageCount)
	return c
}

func (t *Ticket) Counters() Counters {
	return Counters{MessageCount: t.MessageCount, UnreadCount: t.UnreadCount, AdminUnreadCount: t.AdminUnreadCount}
}

// NormalizeText обрезает пробелы по краям; пустая строка после обрезки считается отсутствием текста.
func NormalizeText(s string) string {
	return strings.TrimSpace(s)
}
