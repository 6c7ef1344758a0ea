// Package startup — подключение к внешним зависимостям при старте процесса.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/academy/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry повторяет attempt с удвоением паузы (от 2s до 30s), пока не истечёт maxWait.
func retry(ctx context.Context, what string, maxWait time.Duration, attempt func(ctx context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
