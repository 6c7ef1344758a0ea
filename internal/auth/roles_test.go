package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPerms struct {
	admins map[string]bool
	calls  int
	err    error
}

func (p *countingPerms) IsAdministrator(_ context.Context, userID string) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	return p.admins[userID], nil
}

func TestFromContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.EqualError(t, err, "Not authenticated")

	_, err = FromContext(WithIdentity(context.Background(), Identity{Email: "x@y.z"}))
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1", Email: "a@b.c", Name: "Ann"})
	id, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ann", id.Name)
	assert.Equal(t, "u1", UserID(ctx))
}

func TestIsAdminByEmailSkipsStore(t *testing.T) {
	perms := &countingPerms{}
	r := NewRoles([]string{" Lead@Academy.io "}, perms, time.Minute)

	ok, err := r.IsAdmin(context.Background(), Identity{UserID: "u1", Email: "lead@academy.IO"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, perms.calls)
}

func TestIsAdminCachesStoreAnswer(t *testing.T) {
	perms := &countingPerms{admins: map[string]bool{"boss": true}}
	r := NewRoles(nil, perms, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := r.IsAdmin(context.Background(), Identity{UserID: "boss"})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, perms.calls)

	now = now.Add(2 * time.Minute)
	_, err := r.IsAdmin(context.Background(), Identity{UserID: "boss"})
	require.NoError(t, err)
	assert.Equal(t, 2, perms.calls)
}

func TestIsAdminStoreErrorNotCached(t *testing.T) {
	perms := &countingPerms{err: errors.New("db down")}
	r := NewRoles(nil, perms, time.Minute)

	ok, err := r.IsAdmin(context.Background(), Identity{UserID: "u1"})
	assert.Error(t, err)
	assert.False(t, ok)

	perms.err = nil
	ok, err = r.IsAdmin(context.Background(), Identity{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, perms.calls)
}
