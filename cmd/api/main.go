package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/signalix/identity/internal/audit"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/broadcast"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/db"
	httphandler "github.com/signalix/identity/internal/http"
	"github.com/signalix/identity/internal/http/handlers"
	"github.com/signalix/identity/internal/keys"
	"github.com/signalix/identity/internal/logging"
	"github.com/signalix/identity/internal/middleware"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/repo/memstore"
	"github.com/signalix/identity/internal/sms"
	"go.uber.org/zap"
)

func main() {
	// Load .env from CWD; real environment variables take precedence.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	var healthChecks []handlers.HealthCheck

	repos, database, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if database != nil {
		defer closeDB(database, logger)
		healthChecks = append(healthChecks, handlers.HealthCheck{Name: "database", Check: database.PingContext})
	}

	var (
		requestLimiter middleware.Limiter
		verifyLimiter  middleware.Limiter
		linking        broadcast.Broadcaster
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		requestLimiter = middleware.NewRedisLimiter(rdb, "otp_request", cfg.OTPIPWindow, cfg.OTPRequestIPLimit)
		verifyLimiter = middleware.NewRedisLimiter(rdb, "otp_verify", cfg.OTPIPWindow, cfg.OTPVerifyIPLimit)
		linking = broadcast.NewRedis(rdb, logger)
		healthChecks = append(healthChecks, handlers.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("redis enabled for rate limits and device linking")
	} else {
		reqRL := middleware.NewRateLimiter(cfg.OTPIPWindow, cfg.OTPRequestIPLimit)
		verifyRL := middleware.NewRateLimiter(cfg.OTPIPWindow, cfg.OTPVerifyIPLimit)
		defer reqRL.Close()
		defer verifyRL.Close()
		requestLimiter, verifyLimiter = reqRL, verifyRL
		linking = broadcast.NewLocal()
	}

	var recorder audit.Recorder = audit.NewStoreRecorder(repos.Audit)
	if len(cfg.KafkaBrokers) > 0 {
		stream := audit.NewKafkaRecorder(cfg.KafkaBrokers, cfg.KafkaAuditTopic, logger)
		defer stream.Close()
		recorder = audit.Multi{recorder, audit.NewLogged(stream, logger)}
		logger.Info("audit stream enabled", zap.String("topic", cfg.KafkaAuditTopic))
	}

	var sender sms.Sender = sms.NewLogSender(logger)
	if cfg.SMSGatewayURL != "" {
		sender = sms.NewGateway(sms.DefaultGatewayConfig(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSSenderID), logger)
	}
	if cfg.OTPDebug {
		logger.Warn("OTP_DEBUG is enabled; verification codes are returned in responses")
	}

	otp := auth.NewOtpManager(repos.Otps, sender, logger,
		auth.WithBcryptCost(cfg.OTPBcryptCost),
		auth.WithDebugCodes(cfg.OTPDebug),
	)
	codec := auth.NewTokenCodec(cfg.TokenSecret)
	authService := auth.NewService(otp, codec, repos, recorder, logger).WithBroadcaster(linking)
	registry := keys.NewRegistry(repos.Devices, repos.Keys, recorder, logger)

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Auth:              handlers.NewAuthHandler(authService, logger),
		Keys:              handlers.NewKeysHandler(registry, logger),
		Users:             handlers.NewUsersHandler(authService, logger),
		Linking:           handlers.NewLinkingHandler(linking, logger),
		Health:            handlers.NewHealthHandler(logger, healthChecks...),
		Codec:             codec,
		OTPRequestLimiter: requestLimiter,
		OTPVerifyLimiter:  verifyLimiter,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		Logger:            logger,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// openStore returns the repositories for the configured driver. The database
// handle is nil for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repo.Repos, *sql.DB, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; all state is lost on restart")
		return memstore.New().Repos(), nil, nil
	}

	logger.Info("connecting to database", zap.String("target", cfg.DatabaseTarget()))
	database, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return repo.Repos{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(database, logger); err != nil {
		_ = database.Close()
		return repo.Repos{}, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo.NewPostgres(database, cfg.StoreTimeout), database, nil
}

func closeDB(database *sql.DB, logger *zap.Logger) {
	if err := database.Close(); err != nil {
		logger.Warn("closing database", zap.Error(err))
	}
}
