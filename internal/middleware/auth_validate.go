package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/logger"
)

// validateResult — ответ сервиса авторизации на /internal/validate.
type validateResult struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// AuthServiceValidate проверяет подпись запроса (X-Session-Id, X-Timestamp, X-Signature) во внешнем
// сервисе авторизации и кладёт auth.Identity в контекст.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	authServiceURL = strings.TrimSuffix(authServiceURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, timestamp, signature := credentials(r)
			if sessionID == "" || timestamp == "" || signature == "" {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// Подписывается только pathname, без query.
			jsonBody, _ := json.Marshal(map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
				"body":       string(body),
			})
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(jsonBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Warnf("auth validate session_id=%s: %v", MaskSessionID(sessionID), err)
				unauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				unauthorized(w)
				return
			}
			var result validateResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				unauthorized(w)
				return
			}
			ctx := auth.WithIdentity(r.Context(), auth.Identity{UserID: result.UserID, Email: result.Email, Name: result.Name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// MaskSessionID оставляет в логах только первые 4 символа session id.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
