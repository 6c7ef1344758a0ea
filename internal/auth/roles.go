package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/storage"
)

type roleEntry struct {
	admin   bool
	expires time.Time
}

// Roles решает, является ли пользователь администратором: адрес из списка в конфиге
// или флаг user_permissions.administrator. Ответ хранилища кешируется на ttl.
type Roles struct {
	emails map[string]struct{}
	perms  storage.PermissionStore
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]roleEntry
}

func NewRoles(adminEmails []string, perms storage.PermissionStore, ttl time.Duration) *Roles {
	emails := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			emails[e] = struct{}{}
		}
	}
	return &Roles{
		emails: emails,
		perms:  perms,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]roleEntry),
	}
}

// IsAdmin при ошибке хранилища возвращает false вместе с ошибкой; результат не кешируется.
func (r *Roles) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	if _, ok := r.emails[strings.ToLower(strings.TrimSpace(id.Email))]; ok {
		return true, nil
	}
	if id.UserID == "" || r.perms == nil {
		return false, nil
	}

	r.mu.Lock()
	e, ok := r.cache[id.UserID]
	r.mu.Unlock()
	if ok && r.now().Before(e.expires) {
		return e.admin, nil
	}

	admin, err := r.perms.IsAdministrator(ctx, id.UserID)
	if err != nil {
		logger.Errorf("roles: IsAdministrator %s: %v", id.UserID, err)
		return false, err
	}
	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[id.UserID] = roleEntry{admin: admin, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return admin, nil
}
