package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/storage"
)

func (g *Gateway) InsertMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Insert", time.Now())()
	_, err := g.pool.Exec(ctx,
		`INSERT INTO support_messages (id, ticket_id, sender_id, sender_name, sender_email, body, is_admin, image, edited_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.TicketID, m.SenderID, m.SenderName, m.SenderEmail, m.Body, m.IsAdmin, m.Image, m.EditedAt, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgStore.Insert: %w", err)
	}
	return nil
}

func (g *Gateway) ListMessages(ctx context.Context, ticketID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	rows, err := g.pool.Query(ctx,
		`SELECT id, ticket_id, sender_id, sender_name, sender_email, body, is_admin, image, edited_at, created_at
		 FROM support_messages
		 WHERE ticket_id = $1
		 ORDER BY created_at ASC, id ASC`, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgStore.List query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.SenderID, &m.SenderName, &m.SenderEmail, &m.Body, &m.IsAdmin,
			&m.Image, &m.EditedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgStore.List scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgStore.List rows: %w", err)
	}
	return messages, nil
}

func (g *Gateway) UpdateMessageBody(ctx context.Context, ticketID, messageID, body string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateBody", time.Now())()
	tag, err := g.pool.Exec(ctx,
		`UPDATE support_messages SET body = $1, edited_at = $2 WHERE id = $3 AND ticket_id = $4`,
		body, editedAt, messageID, ticketID,
	)
	if err != nil {
		return fmt.Errorf("msgStore.UpdateBody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, ticketID, messageID string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := g.pool.Exec(ctx,
		`DELETE FROM support_messages WHERE id = $1 AND ticket_id = $2`,
		messageID, ticketID,
	)
	if err != nil {
		return fmt.Errorf("msgStore.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *Gateway) DeleteTicketMessages(ctx context.Context, ticketID string) error {
	defer logger.DeferLogDuration("msg.DeleteByTicket", time.Now())()
	if _, err := g.pool.Exec(ctx, `DELETE FROM support_messages WHERE ticket_id = $1`, ticketID); err != nil {
		return fmt.Errorf("msgStore.DeleteByTicket: %w", err)
	}
	return nil
}
