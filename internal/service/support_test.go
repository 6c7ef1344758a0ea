package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/model"
	"github.com/academy/internal/repository"
	"github.com/academy/internal/storage"
	"github.com/academy/internal/storage/devstore"
	"github.com/academy/internal/storage/memory"
	redisstorage "github.com/academy/internal/storage/redis"
)

var (
	student = auth.Identity{UserID: "student-1", Email: "student@academy.io", Name: "Student"}
	other   = auth.Identity{UserID: "student-2", Email: "other@academy.io", Name: "Other"}
	admin   = auth.Identity{UserID: "admin-1", Email: "lead@academy.io", Name: "Lead"}
)

type fakePush struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePush) Notify(_ context.Context, userID, title, body string, data map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, userID+"|"+data["ticket_id"]+"|"+body)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (m *fakeMailer) SendNewTicket(_ context.Context, to []string, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, t.Subject)
	m.to = to
	return nil
}

type fakeLimiter struct{ left int }

func (l *fakeLimiter) AllowTicket(context.Context, string) (bool, error) {
	l.left--
	return l.left >= 0, nil
}

type env struct {
	store  *memory.Gateway
	feed   *memory.Feed
	svc    *SupportService
	push   *fakePush
	mailer *fakeMailer
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	store := memory.New()
	feed := memory.NewFeed()
	t.Cleanup(func() { _ = feed.Close() })
	e := &env{store: store, feed: feed, push: &fakePush{}, mailer: &fakeMailer{}}
	opts.Push = e.push
	opts.Mailer = e.mailer
	if opts.AdminEmails == nil {
		opts.AdminEmails = []string{admin.Email}
	}
	roles := auth.NewRoles([]string{admin.Email}, store, time.Minute)
	e.svc = NewSupportService(
		repository.NewTicketRepository(store, feed),
		repository.NewMessageRepository(store, feed, true),
		roles, feed, opts,
	)
	return e
}

func as(id auth.Identity) context.Context {
	return auth.WithIdentity(context.Background(), id)
}

func (e *env) create(t *testing.T) string {
	t.Helper()
	id, err := e.svc.CreateTicket(as(student), NewTicket{Type: model.TicketTypeBug, Subject: "Cannot log in", Message: "I get a blank screen"})
	require.NoError(t, err)
	return id
}

func (e *env) ticket(t *testing.T, id string) *model.Ticket {
	t.Helper()
	tk, err := e.store.GetTicket(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func TestCreateTicketRequiresIdentity(t *testing.T) {
	e := newEnv(t, Options{})
	e.store.FailNext("InsertTicket", errors.New("must not be reached"))

	_, err := e.svc.CreateTicket(context.Background(), NewTicket{Type: model.TicketTypeBug, Subject: "s", Message: "m"})
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.EqualError(t, err, "Not authenticated")

	// Неиспользованный сбой всё ещё ждёт своей операции.
	_, err = e.svc.CreateTicket(as(student), NewTicket{Type: model.TicketTypeBug, Subject: "s", Message: "m"})
	assert.Error(t, err)
}

func TestCreateTicketMailsAdmins(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)
	e.svc.Wait()

	tk := e.ticket(t, id)
	assert.Equal(t, student.Email, tk.UserEmail)
	assert.Equal(t, student.Name, tk.UserName)
	assert.Equal(t, []string{"Cannot log in"}, e.mailer.sent)
	assert.Equal(t, []string{admin.Email}, e.mailer.to)
}

func TestCreateTicketRateLimited(t *testing.T) {
	e := newEnv(t, Options{Limiter: &fakeLimiter{left: 1}})
	e.create(t)
	_, err := e.svc.CreateTicket(as(student), NewTicket{Type: model.TicketTypeBug, Subject: "again", Message: "m"})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestInvalidTicketKeepsRateLimitQuota(t *testing.T) {
	e := newEnv(t, Options{Limiter: devstore.NewLimiter()})
	invalid := []struct {
		in   NewTicket
		want error
	}{
		{NewTicket{Type: "nonsense", Subject: "s", Message: "m"}, model.ErrInvalidTicketType},
		{NewTicket{Type: model.TicketTypeBug, Subject: "  ", Message: "m"}, model.ErrEmptySubject},
		{NewTicket{Type: model.TicketTypeBug, Subject: "s", Message: " "}, model.ErrEmptyBody},
		{NewTicket{Type: model.TicketTypeBug, Subject: "s", Message: "m", Priority: "urgent"}, model.ErrInvalidPriority},
	}
	for i := 0; i < redisstorage.TicketRateLimitMax; i++ {
		for _, tc := range invalid {
			_, err := e.svc.CreateTicket(as(student), tc.in)
			require.ErrorIs(t, err, tc.want)
		}
	}
	_, err := e.svc.CreateTicket(as(student), NewTicket{Type: model.TicketTypeBug, Subject: "Real problem", Message: "m"})
	require.NoError(t, err)
}

func TestCreateTicketDescription(t *testing.T) {
	e := newEnv(t, Options{})
	id, err := e.svc.CreateTicket(as(student), NewTicket{
		Type: model.TicketTypeQuestion, Subject: "Refund", Description: "Payment for course 4", Message: "Can I get a refund?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Payment for course 4", e.ticket(t, id).Description)
	msgs, err := e.svc.ListMessages(as(student), id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Can I get a refund?", msgs[0].Body)

	id, err = e.svc.CreateTicket(as(student), NewTicket{Type: model.TicketTypeQuestion, Subject: "Refund", Message: "Only a message"})
	require.NoError(t, err)
	assert.Equal(t, "Only a message", e.ticket(t, id).Description)
}

func TestTicketAccess(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)

	_, err := e.svc.GetTicket(as(other), id)
	assert.ErrorIs(t, err, ErrForbidden)

	tk, err := e.svc.GetTicket(as(admin), id)
	require.NoError(t, err)
	assert.Equal(t, id, tk.ID)

	tk, err = e.svc.GetTicket(as(student), "missing")
	require.NoError(t, err)
	assert.Nil(t, tk)

	_, err = e.svc.ListAllTickets(as(student))
	assert.ErrorIs(t, err, ErrForbidden)
	all, err := e.svc.ListAllTickets(as(admin))
	require.NoError(t, err)
	assert.Len(t, all, 1)

	mine, err := e.svc.ListTicketsForUser(as(other))
	require.NoError(t, err)
	assert.Empty(t, mine)

	assert.ErrorIs(t, e.svc.DeleteTicket(as(student), id), ErrForbidden)
	assert.ErrorIs(t, e.svc.UpdatePriority(as(student), id, model.PriorityHigh), ErrForbidden)
	assert.ErrorIs(t, e.svc.UpdateStatus(as(other), id, model.TicketStatusClosed), ErrForbidden)
	require.NoError(t, e.svc.UpdateStatus(as(student), id, model.TicketStatusClosed))
	require.NoError(t, e.svc.Reopen(as(student), id))
	assert.Equal(t, model.TicketStatusOpen, e.ticket(t, id).Status)
}

func TestAdministratorFlagFromStore(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)
	staff := auth.Identity{UserID: "staff-1", Email: "staff@academy.io"}

	_, err := e.svc.GetTicket(as(staff), id)
	assert.ErrorIs(t, err, ErrForbidden)

	e.store.SetAdministrator("staff-2", true)
	ok, err := e.svc.IsAdmin(as(auth.Identity{UserID: "staff-2"}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendMessageRolesAndPush(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)

	_, err := e.svc.SendMessage(as(student), id, "I am admin", nil, true)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.svc.SendMessage(as(other), id, "hello", nil, false)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.svc.SendMessage(context.Background(), id, "hello", nil, false)
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)

	m, err := e.svc.SendMessage(as(admin), id, "Please clear your cache", nil, true)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin)
	assert.Equal(t, admin.UserID, m.SenderID)
	e.svc.Wait()

	assert.Equal(t, []string{student.UserID + "|" + id + "|Please clear your cache"}, e.push.calls)
	tk := e.ticket(t, id)
	assert.Equal(t, 2, tk.MessageCount)
	assert.Equal(t, 1, tk.UnreadCount)
}

func TestEditAndDeleteMessagePermissions(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)
	reply, err := e.svc.SendMessage(as(admin), id, "reply", nil, true)
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.EditMessage(as(student), id, reply.ID, "changed"), ErrForbidden)
	assert.ErrorIs(t, e.svc.DeleteMessage(as(student), id, reply.ID), ErrForbidden)
	assert.ErrorIs(t, e.svc.EditMessage(as(student), id, "missing", "x"), storage.ErrNotFound)
	require.NoError(t, e.svc.EditMessage(as(admin), id, reply.ID, "better reply"))
	require.NoError(t, e.svc.DeleteMessage(as(admin), id, reply.ID))

	msgs, err := e.svc.ListMessages(as(student), id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, e.ticket(t, id).MessageCount)
}

func TestMarkReadSides(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t)
	_, err := e.svc.SendMessage(as(admin), id, "reply", nil, true)
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.MarkTicketReadByAdmin(as(student), id), ErrForbidden)
	assert.ErrorIs(t, e.svc.MarkTicketReadByStudent(as(admin), id), ErrForbidden)

	require.NoError(t, e.svc.MarkRead(as(student), id))
	require.NoError(t, e.svc.MarkRead(as(admin), id))
	tk := e.ticket(t, id)
	assert.Zero(t, tk.UnreadCount)
	assert.Zero(t, tk.AdminUnreadCount)

	snap, err := e.svc.Messages(as(student), id)
	require.NoError(t, err)
	for _, m := range snap.Messages {
		if !m.IsAdmin {
			assert.True(t, snap.ReadBy[m.ID], "student message read by admin")
		}
	}

	total, err := e.svc.UnreadTotal(as(student))
	require.NoError(t, err)
	assert.Zero(t, total)
}
