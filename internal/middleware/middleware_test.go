package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy/internal/auth"
)

func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromContext(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	})
}

func TestAuthServiceValidate(t *testing.T) {
	var seen map[string]string
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/validate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		if seen["signature"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"u1","email":"student@academy.io","name":"Student"}`))
	}))
	defer authSrv.Close()

	h := AuthServiceValidate(authSrv.URL+"/", nil)(whoami())

	req := httptest.NewRequest(http.MethodPost, "/api/support/tickets?x=1", strings.NewReader(`{"subject":"s"}`))
	req.Header.Set("X-Session-Id", "session-123")
	req.Header.Set("X-Timestamp", "1700000000")
	req.Header.Set("X-Signature", "good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","email":"student@academy.io","name":"Student"}`, rec.Body.String())
	assert.Equal(t, "/api/support/tickets", seen["path"])
	assert.Equal(t, `{"subject":"s"}`, seen["body"])
	assert.Equal(t, http.MethodPost, seen["method"])

	req = httptest.NewRequest(http.MethodGet, "/ws?session_id=s&timestamp=1&signature=bad", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDevIdentity(t *testing.T) {
	h := DevIdentity(whoami())

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("X-Dev-User-Id", "dev-1")
	req.Header.Set("X-Dev-Email", "dev@academy.io")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"dev-1"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user_id=dev-2", nil))
	assert.Contains(t, rec.Body.String(), `"user_id":"dev-2"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitAPI(t *testing.T) {
	h := RateLimitAPI(3, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do := func(ip, user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/support/unread", nil)
		req.Header.Set("X-Real-Ip", ip)
		if user != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: user}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1", "u1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2", "u1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.3", "u1"))

	assert.Equal(t, http.StatusOK, do("10.0.0.9", ""))
	assert.Equal(t, http.StatusOK, do("10.0.0.9", ""))
	assert.Equal(t, http.StatusOK, do("10.0.0.9", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.9", ""))
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do := func(remote, fwd, secret string) int {
		req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
		req.RemoteAddr = remote
		if fwd != "" {
			req.Header.Set("X-Forwarded-For", fwd)
		}
		if secret != "" {
			req.Header.Set("X-Internal-Secret", secret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("127.0.0.1:5000", "", ""))
	assert.Equal(t, http.StatusOK, do("8.8.8.8:5000", "10.1.2.3, 8.8.8.8", ""))
	assert.Equal(t, http.StatusForbidden, do("8.8.8.8:5000", "", ""))
	assert.Equal(t, http.StatusOK, do("8.8.8.8:5000", "", "s3cret"))
}

func TestRecoverJSONAndSecureHeaders(t *testing.T) {
	h := SecureHeaders(RequestLog(RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(body))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMaskSessionID(t *testing.T) {
	assert.Equal(t, "****", MaskSessionID("abc"))
	assert.Equal(t, "abcd***", MaskSessionID(" abcdef "))
}
