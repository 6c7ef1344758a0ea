// Package memory — хранилище поддержки в памяти процесса (режим без Postgres и тесты).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

type receiptKey struct {
	messageID string
	userID    string
}

type storedMessage struct {
	msg model.Message
	seq uint64
}

// Gateway реализует storage.Gateway на map под мьютексом.
type Gateway struct {
	mu       sync.RWMutex
	tickets  map[string]model.Ticket
	messages map[string]storedMessage
	receipts map[receiptKey]model.ReadReceipt
	admins   map[string]bool
	seq      uint64
	faults   map[string]error
}

func New() *Gateway {
	return &Gateway{
		tickets:  make(map[string]model.Ticket),
		messages: make(map[string]storedMessage),
		receipts: make(map[receiptKey]model.ReadReceipt),
		admins:   make(map[string]bool),
		faults:   make(map[string]error),
	}
}

// FailNext заставляет следующий вызов операции op (например "InsertMessage") вернуть err.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[op] = err
}

// SetAdministrator выставляет флаг администратора (аналог строки user_permissions).
func (g *Gateway) SetAdministrator(userID string, admin bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admins[userID] = admin
}

// fault вызывается под g.mu.
func (g *Gateway) fault(op string) error {
	if err, ok := g.faults[op]; ok {
		delete(g.faults, op)
		return fmt.Errorf("memory.%s: %w", op, err)
	}
	return nil
}

func cloneTicket(t model.Ticket) model.Ticket {
	if t.AssigneeID != nil {
		v := *t.AssigneeID
		t.AssigneeID = &v
	}
	if t.AssigneeName != nil {
		v := *t.AssigneeName
		t.AssigneeName = &v
	}
	if t.Context != nil {
		c := *t.Context
		t.Context = &c
	}
	if t.LastMessageAt != nil {
		v := *t.LastMessageAt
		t.LastMessageAt = &v
	}
	return t
}

func cloneMessage(m model.Message) model.Message {
	if m.Image != nil {
		v := *m.Image
		m.Image = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		m.EditedAt = &v
	}
	return m
}

func (g *Gateway) InsertTicket(ctx context.Context, t *model.Ticket) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("InsertTicket"); err != nil {
		return err
	}
	if _, ok := g.tickets[t.ID]; ok {
		return fmt.Errorf("memory.InsertTicket: duplicate id %s", t.ID)
	}
	g.tickets[t.ID] = cloneTicket(*t)
	return nil
}

func (g *Gateway) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("GetTicket"); err != nil {
		return nil, err
	}
	t, ok := g.tickets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := cloneTicket(t)
	return &c, nil
}

func (g *Gateway) ListTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("ListTickets"); err != nil {
		return nil, err
	}
	out := make([]model.Ticket, 0, len(g.tickets))
	for _, t := range g.tickets {
		if userID != "" && t.UserID != userID {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return a.After(*b)
	})
	return out, nil
}

// updateTicket применяет fn к обращению под блокировкой.
func (g *Gateway) updateTicket(op, id string, fn func(t *model.Ticket)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault(op); err != nil {
		return err
	}
	t, ok := g.tickets[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&t)
	g.tickets[id] = t
	return nil
}

func (g *Gateway) UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus, at time.Time) error {
	return g.updateTicket("UpdateTicketStatus", id, func(t *model.Ticket) {
		t.Status = status
		t.UpdatedAt = at
	})
}

func (g *Gateway) UpdateTicketPriority(ctx context.Context, id string, p model.Priority, at time.Time) error {
	return g.updateTicket("UpdateTicketPriority", id, func(t *model.Ticket) {
		t.Priority = p
		t.UpdatedAt = at
	})
}

func (g *Gateway) UpdateTicketAssignee(ctx context.Context, id string, assigneeID, assigneeName *string, at time.Time) error {
	return g.updateTicket("UpdateTicketAssignee", id, func(t *model.Ticket) {
		t.AssigneeID = assigneeID
		t.AssigneeName = assigneeName
		t.UpdatedAt = at
		*t = cloneTicket(*t)
	})
}

func (g *Gateway) WriteCounters(ctx context.Context, id string, c model.Counters, lastMessageAt *time.Time, at time.Time) error {
	return g.updateTicket("WriteCounters", id, func(t *model.Ticket) {
		t.MessageCount = c.MessageCount
		t.UnreadCount = c.UnreadCount
		t.AdminUnreadCount = c.AdminUnreadCount
		if lastMessageAt != nil {
			v := *lastMessageAt
			t.LastMessageAt = &v
		}
		t.UpdatedAt = at
	})
}

func (g *Gateway) IncrementOnSend(ctx context.Context, id string, senderIsAdmin bool, at time.Time) error {
	return g.updateTicket("IncrementOnSend", id, func(t *model.Ticket) {
		c := t.Counters().AfterSend(senderIsAdmin)
		t.MessageCount, t.UnreadCount, t.AdminUnreadCount = c.MessageCount, c.UnreadCount, c.AdminUnreadCount
		v := at
		t.LastMessageAt = &v
		t.UpdatedAt = at
	})
}

func (g *Gateway) DecrementOnDelete(ctx context.Context, id string, at time.Time) error {
	return g.updateTicket("DecrementOnDelete", id, func(t *model.Ticket) {
		c := t.Counters().AfterDelete()
		t.MessageCount, t.UnreadCount, t.AdminUnreadCount = c.MessageCount, c.UnreadCount, c.AdminUnreadCount
		t.UpdatedAt = at
	})
}

func (g *Gateway) ResetUnread(ctx context.Context, id string, side storage.Side, at time.Time) error {
	return g.updateTicket("ResetUnread", id, func(t *model.Ticket) {
		if side == storage.SideAdmin {
			t.AdminUnreadCount = 0
		} else {
			t.UnreadCount = 0
		}
		t.UpdatedAt = at
	})
}

func (g *Gateway) DeleteTicket(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("DeleteTicket"); err != nil {
		return err
	}
	delete(g.tickets, id)
	return nil
}

func (g *Gateway) InsertMessage(ctx context.Context, m *model.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("InsertMessage"); err != nil {
		return err
	}
	if _, ok := g.tickets[m.TicketID]; !ok {
		// как внешний ключ в Postgres
		return fmt.Errorf("memory.InsertMessage: ticket %s does not exist", m.TicketID)
	}
	g.seq++
	g.messages[m.ID] = storedMessage{msg: cloneMessage(*m), seq: g.seq}
	return nil
}

func (g *Gateway) ListMessages(ctx context.Context, ticketID string) ([]model.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("ListMessages"); err != nil {
		return nil, err
	}
	stored := make([]storedMessage, 0, 16)
	for _, sm := range g.messages {
		if sm.msg.TicketID == ticketID {
			stored = append(stored, sm)
		}
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].msg.CreatedAt.Equal(stored[j].msg.CreatedAt) {
			return stored[i].seq < stored[j].seq
		}
		return stored[i].msg.CreatedAt.Before(stored[j].msg.CreatedAt)
	})
	out := make([]model.Message, 0, len(stored))
	for _, sm := range stored {
		out = append(out, cloneMessage(sm.msg))
	}
	return out, nil
}

func (g *Gateway) UpdateMessageBody(ctx context.Context, ticketID, messageID, body string, editedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("UpdateMessageBody"); err != nil {
		return err
	}
	sm, ok := g.messages[messageID]
	if !ok || sm.msg.TicketID != ticketID {
		return storage.ErrNotFound
	}
	sm.msg.Body = body
	v := editedAt
	sm.msg.EditedAt = &v
	g.messages[messageID] = sm
	return nil
}

// dropReceipts вызывается под g.mu (ON DELETE CASCADE в Postgres).
func (g *Gateway) dropReceipts(messageID string) {
	for k := range g.receipts {
		if k.messageID == messageID {
			delete(g.receipts, k)
		}
	}
}

func (g *Gateway) DeleteMessage(ctx context.Context, ticketID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("DeleteMessage"); err != nil {
		return err
	}
	sm, ok := g.messages[messageID]
	if !ok || sm.msg.TicketID != ticketID {
		return storage.ErrNotFound
	}
	delete(g.messages, messageID)
	g.dropReceipts(messageID)
	return nil
}

func (g *Gateway) DeleteTicketMessages(ctx context.Context, ticketID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("DeleteTicketMessages"); err != nil {
		return err
	}
	for id, sm := range g.messages {
		if sm.msg.TicketID == ticketID {
			delete(g.messages, id)
			g.dropReceipts(id)
		}
	}
	return nil
}

func (g *Gateway) InsertReceipts(ctx context.Context, receipts []model.ReadReceipt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("InsertReceipts"); err != nil {
		return err
	}
	for _, r := range receipts {
		if _, ok := g.messages[r.MessageID]; !ok {
			continue
		}
		k := receiptKey{messageID: r.MessageID, userID: r.UserID}
		if _, exists := g.receipts[k]; exists {
			continue
		}
		g.receipts[k] = r
	}
	return nil
}

func (g *Gateway) ListReceipts(ctx context.Context, ticketID string) ([]model.ReadReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fault("ListReceipts"); err != nil {
		return nil, err
	}
	out := make([]model.ReadReceipt, 0, 16)
	for k, r := range g.receipts {
		if sm, ok := g.messages[k.messageID]; ok && sm.msg.TicketID == ticketID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID == out[j].MessageID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (g *Gateway) IsAdministrator(ctx context.Context, userID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.admins[userID], nil
}

var _ storage.Gateway = (*Gateway)(nil)
