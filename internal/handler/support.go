package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/model"
	"github.com/academy/internal/service"
	"github.com/academy/internal/storage"
)

type SupportHandler struct {
	svc *service.SupportService
}

func NewSupportHandler(svc *service.SupportService) *SupportHandler {
	return &SupportHandler{svc: svc}
}

// Routes монтируется под /api/support.
func (h *SupportHandler) Routes(r chi.Router) {
	r.Get("/tickets", h.ListTickets)
	r.Post("/tickets", h.CreateTicket)
	r.Route("/tickets/{id}", func(r chi.Router) {
		r.Get("/", h.GetTicket)
		r.Delete("/", h.DeleteTicket)
		r.Put("/status", h.UpdateStatus)
		r.Post("/reopen", h.Reopen)
		r.Put("/priority", h.UpdatePriority)
		r.Put("/assignee", h.Assign)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.SendMessage)
		r.Put("/messages/{messageId}", h.EditMessage)
		r.Delete("/messages/{messageId}", h.DeleteMessage)
		r.Post("/read", h.MarkRead)
	})
	r.Get("/unread", h.Unread)
}

// writeServiceError переводит ошибки сервиса в HTTP-статусы; неизвестные — 500 с логом.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrTicketNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests, "too many tickets, try again later")
	case errors.Is(err, model.ErrInvalidTicketType), errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrInvalidPriority), errors.Is(err, model.ErrEmptySubject),
		errors.Is(err, model.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *SupportHandler) ListTickets(w http.ResponseWriter, r *http.Request) {
	var (
		tickets []model.Ticket
		err     error
	)
	if r.URL.Query().Get("scope") == "all" {
		tickets, err = h.svc.ListAllTickets(r.Context())
	} else {
		tickets, err = h.svc.ListTicketsForUser(r.Context())
	}
	if err != nil {
		writeServiceError(w, "list tickets", err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *SupportHandler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req service.NewTicket
	if !decode(w, r, &req) {
		return
	}
	if !validImage(req.Image) {
		writeError(w, http.StatusBadRequest, "image must be a data:image/ URL")
		return
	}
	if req.Context != nil && req.Context.UserAgent == "" {
		req.Context.UserAgent = r.UserAgent()
	}
	id, err := h.svc.CreateTicket(r.Context(), req)
	if err != nil {
		writeServiceError(w, "create ticket", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *SupportHandler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.svc.GetTicket(r.Context(), id)
	if err != nil {
		writeServiceError(w, "get ticket", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *SupportHandler) DeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteTicket(r.Context(), id); err != nil {
		writeServiceError(w, "delete ticket", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status model.TicketStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeServiceError(w, "update status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.Reopen(r.Context(), id); err != nil {
		writeServiceError(w, "reopen", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Priority model.Priority `json:"priority"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.UpdatePriority(r.Context(), id, req.Priority); err != nil {
		writeServiceError(w, "update priority", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Assign: пустой assignee_id снимает назначение.
func (h *SupportHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		AssigneeID   string `json:"assignee_id"`
		AssigneeName string `json:"assignee_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Assign(r.Context(), id, strings.TrimSpace(req.AssigneeID), strings.TrimSpace(req.AssigneeName)); err != nil {
		writeServiceError(w, "assign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.svc.Messages(r.Context(), id)
	if err != nil {
		writeServiceError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type sendMessageRequest struct {
	Body  string  `json:"body"`
	Image *string `json:"image,omitempty"`
	// AsAdmin не задан — сторона определяется по роли и владельцу обращения.
	AsAdmin *bool `json:"as_admin,omitempty"`
}

func (h *SupportHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if !validImage(req.Image) {
		writeError(w, http.StatusBadRequest, "image must be a data:image/ URL")
		return
	}
	var asAdmin bool
	if req.AsAdmin != nil {
		asAdmin = *req.AsAdmin
	} else {
		var err error
		if asAdmin, err = h.svc.ActsAsAdmin(r.Context(), id); err != nil {
			writeServiceError(w, "send message", err)
			return
		}
	}
	m, err := h.svc.SendMessage(r.Context(), id, req.Body, req.Image, asAdmin)
	if err != nil {
		writeServiceError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *SupportHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.EditMessage(r.Context(), id, messageID, req.Body); err != nil {
		writeServiceError(w, "edit message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), id, messageID); err != nil {
		writeServiceError(w, "delete message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.MarkRead(r.Context(), id); err != nil {
		writeServiceError(w, "mark read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SupportHandler) Unread(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UnreadTotal(r.Context())
	if err != nil {
		writeServiceError(w, "unread total", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// Me возвращает личность и роль текущего пользователя.
func (h *SupportHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		writeServiceError(w, "me", err)
		return
	}
	isAdmin, err := h.svc.IsAdmin(r.Context())
	if err != nil {
		writeServiceError(w, "me", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id.UserID,
		"email":    id.Email,
		"name":     id.Name,
		"is_admin": isAdmin,
	})
}
