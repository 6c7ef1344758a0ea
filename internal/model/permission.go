package model

import "time"

// UserPermissions — права пользователя в академии. Administrator даёт доступ к консоли поддержки.
type UserPermissions struct {
	UserID        string    `json:"user_id"`
	Administrator bool      `json:"administrator"`
	UpdatedAt     time.Time `json:"updated_at"`
}
