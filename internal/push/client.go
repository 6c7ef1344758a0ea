package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/academy/internal/logger"
)

// Client вызывает сервис пуш-уведомлений по HTTP. Пустой baseURL — все методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Enabled() bool { return c.baseURL != "" }

// call отправляет JSON и ждёт 204.
func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: %d", method, path, resp.StatusCode)
	}
	return nil
}

// Subscribe сохраняет подписку браузера пользователя.
func (c *Client) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш пользователю; ошибки только логируются.
func (c *Client) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !c.Enabled() {
		return
	}
	if err := c.call(ctx, http.MethodPost, "/api/notify", NotifyRequest{UserID: userID, Title: title, Body: body, Data: data}); err != nil {
		logger.Errorf("push notify %s: %v", userID, err)
	}
}
