package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/model"
	"github.com/academy/internal/repository"
	"github.com/academy/internal/service"
	"github.com/academy/internal/storage/memory"
)

var (
	student = auth.Identity{UserID: "student-1", Email: "student@academy.io", Name: "Student"}
	admin   = auth.Identity{UserID: "admin-1", Email: "lead@academy.io", Name: "Lead"}
)

type rawEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type harness struct {
	svc *service.SupportService
	hub *Hub
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	feed := memory.NewFeed()
	svc := service.NewSupportService(
		repository.NewTicketRepository(store, feed),
		repository.NewMessageRepository(store, feed, true),
		auth.NewRoles([]string{admin.Email}, store, time.Minute),
		feed,
		service.Options{TicketPollInterval: time.Hour, MessagePollInterval: time.Hour, UnreadPollInterval: time.Hour},
	)
	hub := NewHub(svc, 2)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := student
		if r.URL.Query().Get("as") == "admin" {
			id = admin
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(auth.WithIdentity(ctx, id))
		c := NewClient(hub, conn, id, Options{})
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
		_ = feed.Close()
	})
	return &harness{svc: svc, hub: hub, srv: srv}
}

func (h *harness) dial(t *testing.T, as string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?as=" + as
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) rawEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev rawEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func readTickets(t *testing.T, conn *websocket.Conn) []model.Ticket {
	t.Helper()
	ev := read(t, conn)
	require.Equal(t, EventTickets, ev.Type, string(ev.Payload))
	var p TicketsPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Tickets
}

func TestTicketsSubscriptionStreamsUpdates(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "student")

	send(t, conn, IncomingMessage{Type: EventSubscribeTickets})
	assert.Empty(t, readTickets(t, conn))

	_, err := h.svc.CreateTicket(auth.WithIdentity(context.Background(), student),
		service.NewTicket{Type: model.TicketTypeQuestion, Subject: "Certificate", Message: "Where is it?"})
	require.NoError(t, err)

	// Лента может прислать несколько снимков подряд; ждём тот, где обращение уже есть.
	for {
		if ts := readTickets(t, conn); len(ts) == 1 {
			assert.Equal(t, "Certificate", ts[0].Subject)
			break
		}
	}
}

func TestMessagesSubscriptionAccess(t *testing.T) {
	h := newHarness(t)
	ticketID, err := h.svc.CreateTicket(auth.WithIdentity(context.Background(), admin),
		service.NewTicket{Type: model.TicketTypeBug, Subject: "Admin's own", Message: "m"})
	require.NoError(t, err)

	conn := h.dial(t, "student")
	send(t, conn, IncomingMessage{Type: EventSubscribeMessages, TicketID: ticketID})
	ev := read(t, conn)
	require.Equal(t, EventError, ev.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "forbidden", p.Message)
	assert.Equal(t, ticketID, p.TicketID)

	send(t, conn, IncomingMessage{Type: EventSubscribeMessages})
	assert.Equal(t, EventError, read(t, conn).Type)
	send(t, conn, IncomingMessage{Type: "typing"})
	assert.Equal(t, EventError, read(t, conn).Type)

	adminConn := h.dial(t, "admin")
	send(t, adminConn, IncomingMessage{Type: EventSubscribeMessages, TicketID: ticketID})
	ev = read(t, adminConn)
	require.Equal(t, EventMessages, ev.Type)
	var snap service.MessagesSnapshot
	require.NoError(t, json.Unmarshal(ev.Payload, &snap))
	assert.Equal(t, ticketID, snap.TicketID)
	assert.Len(t, snap.Messages, 1)
}

func TestSubscribeMessagesRejectsMalformedTicketID(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "admin")

	send(t, conn, IncomingMessage{Type: EventSubscribeMessages, TicketID: "not-a-uuid"})
	ev := read(t, conn)
	require.Equal(t, EventError, ev.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "ticket not found", p.Message)
	assert.Equal(t, "not-a-uuid", p.TicketID)

	// Соединение живо: корректная подписка после ошибки работает.
	send(t, conn, IncomingMessage{Type: EventSubscribeTickets})
	assert.Empty(t, readTickets(t, conn))
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "student")

	send(t, conn, IncomingMessage{Type: EventSubscribeUnread})
	ev := read(t, conn)
	require.Equal(t, EventUnread, ev.Type)
	assert.JSONEq(t, `{"count":0}`, string(ev.Payload))

	require.Eventually(t, func() bool { return h.hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.hub.mu.RLock()
	var c *Client
	for cl := range h.hub.clients[student.UserID] {
		c = cl
	}
	h.hub.mu.RUnlock()
	require.NotNil(t, c)
	assert.Equal(t, 1, c.subscriptionCount())

	send(t, conn, IncomingMessage{Type: EventUnsubscribe, Topic: TopicUnread})
	require.Eventually(t, func() bool { return c.subscriptionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "student")
	h.dial(t, "admin")
	require.Eventually(t, func() bool { return h.hub.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	third := h.dial(t, "student")
	require.NoError(t, third.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := third.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 2, h.hub.Connections())
}
