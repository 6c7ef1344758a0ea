package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
)

// maxSubscriptions — предел активных подписок одного соединения.
const maxSubscriptions = 32

// Options — параметры соединения; нулевые значения заменяются умолчаниями.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	return o
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client — одно WebSocket-соединение и его подписки.
// Жизненный цикл: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
// Контекст Start несёт auth.Identity пользователя; с его отменой гаснут все подписки.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage
	id   auth.Identity
	opts Options

	subsMu sync.Mutex
	subs   map[string]func()

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, id auth.Identity, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan OutgoingMessage, opts.SendBuffer),
		id:   id,
		opts: opts,
		subs: make(map[string]func()),
		done: make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close можно вызывать многократно из любой горутины.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.unsubscribeAll()
		c.conn.Close()
	})
}

// addSubscription заменяет подписку с тем же ключом; false — превышен предел.
func (c *Client) addSubscription(key string, unsub func()) bool {
	c.subsMu.Lock()
	old, replaced := c.subs[key]
	if !replaced && len(c.subs) >= maxSubscriptions {
		c.subsMu.Unlock()
		unsub()
		return false
	}
	c.subs[key] = unsub
	c.subsMu.Unlock()
	if replaced {
		old()
	}
	return true
}

func (c *Client) removeSubscription(key string) bool {
	c.subsMu.Lock()
	unsub, ok := c.subs[key]
	delete(c.subs, key)
	c.subsMu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

func (c *Client) unsubscribeAll() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.subsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (c *Client) subscriptionCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.id.UserID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.id.UserID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "invalid json"}})
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.id.UserID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal %s user=%s: %v", msg.Type, c.id.UserID, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
