// Package postgres реализует storage.Gateway поверх pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

// ticketCols — список колонок для SELECT (порядок соответствует scanTicket).
const ticketCols = `id, user_id, user_name, user_email, type, subject, description, status, priority,
	assignee_id, assignee_name, context, message_count, unread_count, admin_unread_count,
	created_at, updated_at, last_message_at`

type Gateway struct {
	pool *pgxpool.Pool
}

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

func scanTicket(s interface{ Scan(dest ...any) error }, t *model.Ticket) error {
	var rawContext []byte
	if err := s.Scan(&t.ID, &t.UserID, &t.UserName, &t.UserEmail, &t.Type, &t.Subject, &t.Description, &t.Status, &t.Priority,
		&t.AssigneeID, &t.AssigneeName, &rawContext, &t.MessageCount, &t.UnreadCount, &t.AdminUnreadCount,
		&t.CreatedAt, &t.UpdatedAt, &t.LastMessageAt); err != nil {
		return err
	}
	t.Context = nil
	if len(rawContext) > 0 && string(rawContext) != "null" {
		var c model.TicketContext
		if err := json.Unmarshal(rawContext, &c); err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
		t.Context = &c
	}
	return nil
}

func encodeContext(c *model.TicketContext) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func (g *Gateway) InsertTicket(ctx context.Context, t *model.Ticket) error {
	defer logger.DeferLogDuration("ticket.Insert", time.Now())()
	rawContext, err := encodeContext(t.Context)
	if err != nil {
		return fmt.Errorf("ticketStore.Insert context: %w", err)
	}
	_, err = g.pool.Exec(ctx,
		`INSERT INTO support_tickets (id, user_id, user_name, user_email, type, subject, description, status, priority,
		                              assignee_id, assignee_name, context, message_count, unread_count, admin_unread_count,
		                              created_at, updated_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.UserID, t.UserName, t.UserEmail, t.Type, t.Subject, t.Description, t.Status, t.Priority,
		t.AssigneeID, t.AssigneeName, rawContext, t.MessageCount, t.UnreadCount, t.AdminUnreadCount,
		t.CreatedAt, t.UpdatedAt, t.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("ticketStore.Insert: %w", err)
	}
	return nil
}

func (g *Gateway) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	defer logger.DeferLogDuration("ticket.Get", time.Now())()
	t := &model.Ticket{}
	row := g.pool.QueryRow(ctx, `SELECT `+ticketCols+` FROM support_tickets WHERE id = $1`, id)
	if err := scanTicket(row, t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("ticketStore.Get: %w", err)
	}
	return t, nil
}

func (g *Gateway) ListTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	defer logger.DeferLogDuration("ticket.List", time.Now())()
	sql := `SELECT ` + ticketCols + ` FROM support_tickets`
	args := []any{}
	if userID != "" {
		sql += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	sql += ` ORDER BY last_message_at DESC NULLS LAST, created_at DESC`

	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ticketStore.List query: %w", err)
	}
	defer rows.Close()

	tickets := make([]model.Ticket, 0, 16)
	for rows.Next() {
		var t model.Ticket
		if err := scanTicket(rows, &t); err != nil {
			return nil, fmt.Errorf("ticketStore.List scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ticketStore.List rows: %w", err)
	}
	return tickets, nil
}

// execTicket выполняет UPDATE и возвращает ErrNotFound, если строка не затронута.
func (g *Gateway) execTicket(ctx context.Context, op, sql string, args ...any) error {
	defer logger.DeferLogDuration("ticket."+op, time.Now())()
	tag, err := g.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("ticketStore.%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *Gateway) UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus, at time.Time) error {
	return g.execTicket(ctx, "UpdateStatus",
		`UPDATE support_tickets SET status = $1, updated_at = $2 WHERE id = $3`,
		status, at, id,
	)
}

func (g *Gateway) UpdateTicketPriority(ctx context.Context, id string, p model.Priority, at time.Time) error {
	return g.execTicket(ctx, "UpdatePriority",
		`UPDATE support_tickets SET priority = $1, updated_at = $2 WHERE id = $3`,
		p, at, id,
	)
}

func (g *Gateway) UpdateTicketAssignee(ctx context.Context, id string, assigneeID, assigneeName *string, at time.Time) error {
	return g.execTicket(ctx, "UpdateAssignee",
		`UPDATE support_tickets SET assignee_id = $1, assignee_name = $2, updated_at = $3 WHERE id = $4`,
		assigneeID, assigneeName, at, id,
	)
}

func (g *Gateway) WriteCounters(ctx context.Context, id string, c model.Counters, lastMessageAt *time.Time, at time.Time) error {
	return g.execTicket(ctx, "WriteCounters",
		`UPDATE support_tickets
		 SET message_count = $1, unread_count = $2, admin_unread_count = $3,
		     last_message_at = COALESCE($4, last_message_at), updated_at = $5
		 WHERE id = $6`,
		c.MessageCount, c.UnreadCount, c.AdminUnreadCount, lastMessageAt, at, id,
	)
}

func (g *Gateway) IncrementOnSend(ctx context.Context, id string, senderIsAdmin bool, at time.Time) error {
	// Сообщение администратора непрочитано студентом, и наоборот.
	sql := `UPDATE support_tickets
		 SET message_count = message_count + 1, admin_unread_count = admin_unread_count + 1,
		     last_message_at = $1, updated_at = $1
		 WHERE id = $2`
	if senderIsAdmin {
		sql = `UPDATE support_tickets
		 SET message_count = message_count + 1, unread_count = unread_count + 1,
		     last_message_at = $1, updated_at = $1
		 WHERE id = $2`
	}
	return g.execTicket(ctx, "IncrementOnSend", sql, at, id)
}

func (g *Gateway) DecrementOnDelete(ctx context.Context, id string, at time.Time) error {
	// В SET все ссылки на колонки читают значения до обновления.
	return g.execTicket(ctx, "DecrementOnDelete",
		`UPDATE support_tickets
		 SET message_count = GREATEST(message_count - 1, 0),
		     unread_count = LEAST(unread_count, GREATEST(message_count - 1, 0)),
		     admin_unread_count = LEAST(admin_unread_count, GREATEST(message_count - 1, 0)),
		     updated_at = $1
		 WHERE id = $2`,
		at, id,
	)
}

func (g *Gateway) ResetUnread(ctx context.Context, id string, side storage.Side, at time.Time) error {
	sql := `UPDATE support_tickets SET unread_count = 0, updated_at = $1 WHERE id = $2`
	if side == storage.SideAdmin {
		sql = `UPDATE support_tickets SET admin_unread_count = 0, updated_at = $1 WHERE id = $2`
	}
	return g.execTicket(ctx, "ResetUnread", sql, at, id)
}

func (g *Gateway) DeleteTicket(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("ticket.Delete", time.Now())()
	if _, err := g.pool.Exec(ctx, `DELETE FROM support_tickets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ticketStore.Delete: %w", err)
	}
	return nil
}

var _ storage.Gateway = (*Gateway)(nil)
