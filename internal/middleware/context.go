package middleware

import (
	"net/http"
	"strings"

	"github.com/academy/internal/auth"
)

// credentials читает подпись из заголовков, для WebSocket — из query.
func credentials(r *http.Request) (sessionID, timestamp, signature string) {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	return pick("X-Session-Id", "session_id"), pick("X-Timestamp", "timestamp"), pick("X-Signature", "signature")
}

// DevIdentity — только для -dev: личность берётся из X-Dev-User-Id / X-Dev-Email / X-Dev-Name
// (или user_id, email в query для WebSocket) без проверки.
func DevIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.Identity{
			UserID: strings.TrimSpace(r.Header.Get("X-Dev-User-Id")),
			Email:  strings.TrimSpace(r.Header.Get("X-Dev-Email")),
			Name:   strings.TrimSpace(r.Header.Get("X-Dev-Name")),
		}
		if id.UserID == "" {
			q := r.URL.Query()
			id.UserID, id.Email, id.Name = q.Get("user_id"), q.Get("email"), q.Get("name")
		}
		if id.UserID == "" {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}
