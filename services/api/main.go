package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/academy/internal/auth"
	"github.com/academy/internal/config"
	"github.com/academy/internal/email"
	"github.com/academy/internal/handler"
	"github.com/academy/internal/logger"
	"github.com/academy/internal/middleware"
	"github.com/academy/internal/model"
	"github.com/academy/internal/push"
	"github.com/academy/internal/repository"
	"github.com/academy/internal/service"
	"github.com/academy/internal/startup"
	"github.com/academy/internal/storage"
	"github.com/academy/internal/storage/devstore"
	"github.com/academy/internal/storage/memory"
	"github.com/academy/internal/storage/postgres"
	redisstorage "github.com/academy/internal/storage/redis"
	"github.com/academy/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and dev identity headers (no auth service required)")
	grantAdmin := flag.String("grant-admin", "", "set administrator flag for user id and exit")
	flag.Parse()

	logger.Info("starting support API")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Close()

	if *dev && cfg.Support.StorageBackend == config.BackendPostgres {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var (
		pool    *pgxpool.Pool
		gateway storage.Gateway
	)
	if cfg.Support.StorageBackend == config.BackendPostgres {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool, err = startup.ConnectDBWithRetry(context.Background(), poolCfg, 60*time.Second)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		pg := postgres.NewGateway(pool)
		if *grantAdmin != "" {
			if err := pg.SetAdministrator(context.Background(), &model.UserPermissions{UserID: *grantAdmin, Administrator: true}); err != nil {
				logger.Errorf("grant admin: %v", err)
				os.Exit(1)
			}
			logger.Infof("user %s is now an administrator", *grantAdmin)
			return
		}
		gateway = pg
	} else {
		logger.Warnf("storage backend is memory: tickets are lost on restart")
		gateway = memory.New()
	}
	if *migrate && !*dev {
		return
	}

	var rdb *redisstorage.Client
	if cfg.Support.RealtimeBackend == config.BackendRedis || cfg.Support.TicketRateLimit {
		var err error
		rdb, err = startup.ConnectRedisWithRetry(context.Background(), cfg.Redis.URL, redisWait(cfg, *dev))
		switch {
		case err == nil:
			defer rdb.Close()
		case cfg.Support.RealtimeBackend == config.BackendRedis:
			logger.Errorf("%v", err)
			os.Exit(1)
		default:
			logger.Warnf("redis unavailable, ticket rate limit is per-process: %v", err)
		}
	}

	feed := newFeed(cfg, pool, rdb)
	defer feed.Close()

	opts := service.Options{
		TicketPollInterval:  cfg.Support.TicketPollInterval,
		MessagePollInterval: cfg.Support.MessagePollInterval,
		UnreadPollInterval:  cfg.Support.UnreadPollInterval,
		PollJitter:          cfg.Support.PollJitter,
		AdminEmails:         cfg.Support.AdminEmails,
	}
	pushClient := push.NewClient(cfg.PushServiceURL)
	if pushClient.Enabled() {
		opts.Push = pushClient
	}
	if cfg.SMTP.Enabled() {
		opts.Mailer = email.NewSender(&cfg.SMTP)
	}
	if cfg.Support.TicketRateLimit {
		if rdb != nil {
			opts.Limiter = rdb
		} else {
			opts.Limiter = devstore.NewLimiter()
		}
	}

	svc := service.NewSupportService(
		repository.NewTicketRepository(gateway, feed),
		repository.NewMessageRepository(gateway, feed, cfg.Support.AtomicCounters),
		auth.NewRoles(cfg.Support.AdminEmails, gateway, cfg.Support.RoleCacheTTL),
		feed, opts,
	)
	logger.Infof("support ready: storage=%s realtime=%s admins=%d",
		cfg.Support.StorageBackend, cfg.Support.RealtimeBackend, len(cfg.Support.AdminEmails))

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(svc, cfg.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	supportH := handler.NewSupportHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins, ws.Options{
		SendBuffer:     cfg.WSSendBufferSize,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	})
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-Dev-User-Id", "X-Dev-Email", "X-Dev-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/support", configH.GetSupportConfig)
	r.With(middleware.InternalOnly(os.Getenv("INTERNAL_STATS_SECRET"))).Get("/internal/stats", wsH.Stats)

	r.Group(func(r chi.Router) {
		if *dev {
			logger.Warnf("dev mode: identity is taken from X-Dev-* headers")
			r.Use(middleware.DevIdentity)
		} else {
			r.Use(middleware.AuthServiceValidate(cfg.AuthServiceURL, nil))
		}
		r.Use(middleware.RateLimitAPI(200, 100))
		r.Get("/api/me", supportH.Me)
		r.Route("/api/support", supportH.Routes)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	webDist := "./web/dist"
	if info, err := os.Stat(webDist); err == nil && info.IsDir() {
		r.Get("/*", spaHandler(webDist))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	// Письма и пуши, отправленные после ответа клиенту.
	svc.Wait()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// newFeed выбирает ленту изменений по REALTIME_BACKEND.
func newFeed(cfg *config.Config, pool *pgxpool.Pool, rdb *redisstorage.Client) storage.ChangeFeed {
	switch {
	case cfg.Support.RealtimeBackend == config.BackendRedis && rdb != nil:
		return rdb
	case cfg.Support.RealtimeBackend == config.BackendPostgres && pool != nil:
		return postgres.NewFeed(pool)
	}
	return memory.NewFeed()
}

// redisWait: лимитеру Redis не обязателен, в dev ждать его минуту незачем.
func redisWait(cfg *config.Config, dev bool) time.Duration {
	if dev && cfg.Support.RealtimeBackend != config.BackendRedis {
		return 3 * time.Second
	}
	return 60 * time.Second
}

func spaHandler(dir string) http.HandlerFunc {
	fs := http.Dir(dir)
	fileServer := http.FileServer(fs)
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
		if path == "" {
			path = "index.html"
		}
		if f, err := fs.Open(path); err != nil {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		} else {
			f.Close()
			fileServer.ServeHTTP(w, r)
		}
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "academy"
		password = "academy_secret"
		database = "academy"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
