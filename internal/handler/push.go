package handler

import (
	"net/http"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/push"
)

// PushHandler проксирует подписки браузера в сервис пуш-уведомлений (ответы поддержки).
type PushHandler struct {
	client *push.Client
}

func NewPushHandler(client *push.Client) *PushHandler {
	return &PushHandler{client: client}
}

// ready: пользователь известен и сервис пушей настроен.
func (h *PushHandler) ready(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, auth.ErrNotAuthenticated.Error())
		return "", false
	}
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return "", false
	}
	return userID, true
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req struct {
		Subscription push.Subscription `json:"subscription"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.client.Subscribe(r.Context(), userID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ready(w, r)
	if !ok {
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
