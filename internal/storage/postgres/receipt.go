package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
)

// InsertReceipts вставляет отметки одним батчем; существующие пары (message_id, user_id) не меняются.
func (g *Gateway) InsertReceipts(ctx context.Context, receipts []model.ReadReceipt) error {
	defer logger.DeferLogDuration("receipt.Insert", time.Now())()
	if len(receipts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range receipts {
		batch.Queue(
			`INSERT INTO support_message_reads (message_id, user_id, reader_is_admin, read_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			r.MessageID, r.UserID, r.ReaderIsAdmin, r.ReadAt,
		)
	}
	if err := g.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("receiptStore.Insert: %w", err)
	}
	return nil
}

func (g *Gateway) ListReceipts(ctx context.Context, ticketID string) ([]model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.List", time.Now())()
	rows, err := g.pool.Query(ctx,
		`SELECT r.message_id, r.user_id, r.reader_is_admin, r.read_at
		 FROM support_message_reads r
		 JOIN support_messages m ON m.id = r.message_id
		 WHERE m.ticket_id = $1
		 ORDER BY r.message_id, r.user_id`, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptStore.List query: %w", err)
	}
	defer rows.Close()

	receipts := make([]model.ReadReceipt, 0, 32)
	for rows.Next() {
		var r model.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReaderIsAdmin, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("receiptStore.List scan: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receiptStore.List rows: %w", err)
	}
	return receipts, nil
}

// IsAdministrator читает флаг из user_permissions. Нет записи — не администратор.
func (g *Gateway) IsAdministrator(ctx context.Context, userID string) (bool, error) {
	defer logger.DeferLogDuration("permission.IsAdministrator", time.Now())()
	var admin bool
	err := g.pool.QueryRow(ctx,
		`SELECT administrator FROM user_permissions WHERE user_id = $1`, userID,
	).Scan(&admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("permissionStore.IsAdministrator: %w", err)
	}
	return admin, nil
}

// SetAdministrator создаёт или обновляет флаг администратора.
func (g *Gateway) SetAdministrator(ctx context.Context, p *model.UserPermissions) error {
	defer logger.DeferLogDuration("permission.SetAdministrator", time.Now())()
	now := time.Now().UTC()
	_, err := g.pool.Exec(ctx,
		`INSERT INTO user_permissions (user_id, administrator, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
			administrator = EXCLUDED.administrator,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Administrator, now,
	)
	if err != nil {
		return fmt.Errorf("permissionStore.SetAdministrator: %w", err)
	}
	p.UpdatedAt = now
	return nil
}
