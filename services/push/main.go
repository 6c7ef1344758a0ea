// Сервис пуш-уведомлений: подписки браузеров в Redis, отправка ответов поддержки через Web Push.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/academy/internal/logger"
	"github.com/academy/internal/push"
	"github.com/academy/internal/startup"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "create the VAPID keys file (if missing), print the public key and exit")
	flag.Parse()
	defer logger.Close()

	if *genVAPID {
		keys, err := push.EnsureVAPIDKeys("")
		if err != nil {
			logger.Errorf("vapid: %v", err)
			os.Exit(1)
		}
		fmt.Printf("PUSH_VAPID_PUBLIC_KEY=%s\n", keys.PublicKey)
		return
	}
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func run() error {
	logger.SetLevel(envOr("LOG_LEVEL", "info"))
	addr := envOr("SERVER_ADDR", ":8082")

	pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY")
	if pub == "" || priv == "" {
		keys, err := push.EnsureVAPIDKeys("")
		if err != nil {
			return fmt.Errorf("vapid keys: %w", err)
		}
		pub, priv = keys.PublicKey, keys.PrivateKey
	}

	rdb, err := startup.RedisClientWithRetry(context.Background(), envOr("REDIS_URL", "redis://localhost:6379"), 60*time.Second)
	if err != nil {
		return err
	}
	defer rdb.Close()

	srv := &http.Server{
		Addr:         addr,
		Handler:      push.NewServer(push.NewStore(rdb), pub, priv).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("push server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("push server stopped")
	return nil
}
