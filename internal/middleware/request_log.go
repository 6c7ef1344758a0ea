package middleware

import (
	"net/http"
	"time"

	"github.com/academy/internal/logger"
)

// RequestLog пишет method, path, статус и длительность; 5xx — как ошибку.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		elapsed := time.Since(start)
		if wrap.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s %d %s", r.Method, r.URL.Path, wrap.status, elapsed)
			return
		}
		logger.Debugf("http %s %s %d %s", r.Method, r.URL.Path, wrap.status, elapsed)
	})
}
