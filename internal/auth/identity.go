// Package auth — личность вызывающего и определение роли администратора.
package auth

import (
	"context"
	"errors"
)

// ErrNotAuthenticated возвращается до обращения к хранилищу, если в контексте нет пользователя.
var ErrNotAuthenticated = errors.New("Not authenticated")

// Identity — пользователь, подтверждённый сервисом авторизации.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext возвращает личность или ErrNotAuthenticated, если её нет или user_id пустой.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNotAuthenticated
	}
	return id, nil
}

// UserID возвращает user_id из контекста или пустую строку.
func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}
