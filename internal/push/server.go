package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/academy/internal/logger"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription — подписка из PushManager браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

type SubscribeRequest struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Store хранит подписки пользователя списком в Redis: не больше maxSubsPerUser, TTL продлевается при записи.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Add(ctx context.Context, userID string, sub Subscription) error {
	key := redisKeyPrefix + userID
	if err := s.Remove(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) List(ctx context.Context, userID string) ([]Subscription, error) {
	list, err := s.rdb.LRange(ctx, redisKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(list))
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// Remove удаляет подписку по endpoint; отсутствие подписки не ошибка.
func (s *Store) Remove(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == endpoint {
			pipe.LRem(ctx, key, 0, item)
		}
	}
	if pipe.Len() == 0 {
		return nil
	}
	_, err = pipe.Exec(ctx)
	return err
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Server — HTTP-сервис пуш-уведомлений. Без VAPID-ключей подписки сохраняются, но ничего не отправляется.
type Server struct {
	store *Store
	vapid *webpush.Options
	send  sendFunc
}

func NewServer(store *Store, publicKey, privateKey string) *Server {
	s := &Server{store: store, send: webpush.SendNotificationWithContext}
	if publicKey != "" && privateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      "academy-support",
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             30,
		}
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
	return r
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.vapid == nil {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.vapid.VAPIDPublicKey))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Subscription.Valid() {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.store.Add(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("push subscribe %s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.store.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe %s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	subs, err := s.store.List(ctx, req.UserID)
	if err != nil {
		logger.Errorf("push notify %s: %v", req.UserID, err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	if s.vapid != nil {
		s.deliver(ctx, req, subs)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deliver рассылает уведомление по всем подпискам; истёкшие (404/410) удаляются.
func (s *Server) deliver(ctx context.Context, req NotifyRequest, subs []Subscription) {
	payload, _ := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	for _, sub := range subs {
		resp, err := s.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, s.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.store.Remove(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Warnf("push remove expired: %v", err)
			}
		}
	}
}
