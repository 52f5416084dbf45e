package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"workpulse/internal/attendance"
	"workpulse/internal/audit"
	"workpulse/internal/config"
	"workpulse/internal/httpapi"
	"workpulse/internal/httpmiddleware"
	"workpulse/internal/live"
	"workpulse/internal/metrics"
	"workpulse/internal/presence"
	"workpulse/internal/queue"
	"workpulse/internal/report"
	"workpulse/internal/store"
)

func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn(context.Background(), "dotenv not loaded", slog.Error(err))
	}
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger = logger.Leveled(slog.LevelDebug)
	}
	for _, w := range cfg.Warnings {
		logger.Warn(context.Background(), w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runHTTP(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "http server failed", slog.Error(err))
	}
}

func needs(backend string, cfg config.App) bool {
	return cfg.SessionBackend == backend || cfg.PresenceBackend == backend || cfg.QueueBackend == backend
}

func runHTTP(ctx context.Context, cfg config.App, logger slog.Logger) error {
	var db *store.DB
	if needs(config.BackendPostgres, cfg) {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return xerrors.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(db.Client); err != nil {
			return xerrors.Errorf("migrate: %w", err)
		}
		names, err := store.MigrationNames()
		if err != nil {
			return xerrors.Errorf("list migrations: %w", err)
		}
		logger.Info(ctx, "database migrated", slog.F("migrations", len(names)))
	}

	var redisClient *store.Redis
	if needs(config.BackendRedis, cfg) {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			logger.Warn(ctx, "redis not reachable", slog.F("addr", cfg.RedisAddr))
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == config.BackendMemory {
		mem := queue.NewInMemory(64)
		q = mem
		// No separate worker can read an in-process queue.
		var rec audit.Recorder
		if db != nil {
			rec = audit.NewRepository(db.Client)
		}
		go func() {
			if err := audit.Consume(ctx, mem, rec, logger.Named("audit")); err != nil {
				logger.Error(ctx, "audit consumer stopped", slog.Error(err))
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.AuditQueueKey, logger.Named("queue"))
	}

	var sessionStore attendance.Store = attendance.NewMemoryStore()
	if cfg.SessionBackend == config.BackendPostgres {
		sessionStore = attendance.NewPostgresStore(db.Client)
	}
	var deviceStore presence.Store
	switch cfg.PresenceBackend {
	case config.BackendPostgres:
		deviceStore = presence.NewPostgresStore(db.Client)
	case config.BackendRedis:
		deviceStore = presence.NewRedisStore(redisClient.Client, "workpulse")
	default:
		deviceStore = presence.NewMemoryStore()
	}
	logger.Info(ctx, "storage selected",
		slog.F("sessions", cfg.SessionBackend),
		slog.F("presence", cfg.PresenceBackend),
		slog.F("queue", cfg.QueueBackend),
	)

	sessions := attendance.NewTracker(sessionStore, attendance.Options{
		Logger:         logger.Named("attendance"),
		Auditor:        audit.NewPublisher(q),
		StorageTimeout: cfg.StorageTimeout,
	})
	devices := presence.NewTracker(deviceStore, presence.Options{
		Logger:         logger.Named("presence"),
		StaleThreshold: cfg.StaleThreshold,
		StorageTimeout: cfg.StorageTimeout,
	})
	reports := report.NewService(sessions, devices, report.Options{Logger: logger.Named("report")})

	m, err := metrics.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return xerrors.Errorf("register metrics: %w", err)
	}
	hub := live.NewHub(logger.Named("live"), m.LiveClients)
	go hub.Run(ctx)

	var auditLister httpapi.AuditLister
	if db != nil {
		auditLister = audit.NewRepository(db.Client)
	}
	api := httpapi.New(httpapi.Options{
		Sessions: sessions,
		Devices:  devices,
		Reports:  reports,
		Metrics:  m,
		Live:     hub,
		Audit:    auditLister,
		Logger:   logger.Named("http"),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if db != nil {
			ok := db.Healthy(c.Request.Context())
			body["db"] = ok
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			ok := redisClient.Healthy(c.Request.Context())
			body["redis"] = ok
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})
	r.GET("/ws/live", gin.WrapH(hub))

	limited := r.Group("/", httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, nil, nil).GinMiddleware())
	api.Register(limited)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", slog.F("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info(context.Background(), "shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "server forced shutdown", slog.Error(err))
	}

	logger.Info(shutdownCtx, "server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
