package handler

import (
	"net/http"

	"github.com/academy/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации (без авторизации).
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetPushConfig возвращает публичный VAPID-ключ, если пуши включены.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.PushServiceURL == "" || h.cfg.PushVAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.cfg.PushVAPIDPublicKey,
	})
}

// GetSupportConfig — интервалы опроса для клиентов без WebSocket.
func (h *ConfigHandler) GetSupportConfig(w http.ResponseWriter, r *http.Request) {
	s := h.cfg.Support
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket_poll_interval_ms":  s.TicketPollInterval.Milliseconds(),
		"message_poll_interval_ms": s.MessagePollInterval.Milliseconds(),
		"unread_poll_interval_ms":  s.UnreadPollInterval.Milliseconds(),
		"realtime":                 s.RealtimeBackend,
	})
}
