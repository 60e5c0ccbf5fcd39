package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatline/internal/util"
	"chatline/pkg/queue"
	"chatline/pkg/realtime"
	"chatline/pkg/storage"
	"chatline/pkg/store"
	"chatline/services/chat/internal/app"
	"chatline/services/chat/internal/config"
	"chatline/services/chat/internal/security"
	"chatline/services/chat/internal/server"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		util.Fatal("failed to parse session ttl", "err", err)
	}
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	avatarURLTTL, err := config.ParseAvatarURLTTL(cfg.AvatarURLTTL)
	if err != nil {
		util.Fatal("failed to parse avatar url ttl", "err", err)
	}
	shutdownTimeout, err := config.ParseShutdownTimeout(cfg.ShutdownTimeout)
	if err != nil {
		util.Fatal("failed to parse shutdown timeout", "err", err)
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
	}

	driver := cfg.DatabaseDriver
	if driver == "" {
		driver = store.DriverPostgres
	}
	db, err := store.NewGormStore(cfg.DatabaseURL, store.WithDriver(driver))
	if err != nil {
		util.Fatal("failed to open database", "driver", driver, "err", err)
	}
	defer db.Close()

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, sessionTTL, store.NewRedisTokenRevoker(redisClient), store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init session store", "err", err)
	}

	broker := realtime.NewRedisBroker(redisClient, logger)

	appCfg := app.Config{
		Store:        db,
		Sessions:     sessions,
		Events:       broker,
		AvatarURLTTL: avatarURLTTL,
		Logger:       logger,
	}
	if cfg.AvatarsEnabled() {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		appCfg.Objects = objects
	}
	var jobs *queue.RedisJobQueue
	if cfg.SeedEnabled {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client: redisClient,
			Stream: "chatline:jobs",
			Group:  "chat",
			Logger: logger,
		})
		if err != nil {
			util.Fatal("failed to init job queue", "err", err)
		}
		appCfg.Jobs = jobs
	}

	appCore, err := app.New(ctx, appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		Broker:                    broker,
		Redis:                     redisClient,
		TrustedProxies:            trustedProxies,
		AllowedOrigins:            cfg.AllowedOrigins,
		Alerter:                   security.NewAuditAlerter(redisClient, "chatline:alerts"),
		SignupRateLimitPerMinute:  cfg.SignupRateLimitPerMin,
		LoginRateLimitPerMinute:   cfg.LoginRateLimitPerMin,
		ResolveRateLimitPerMinute: cfg.ResolveRateLimitPerMin,
		MessageRateLimitPerMinute: cfg.MessageRateLimitPerMin,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		// Realtime connections end when ctx is canceled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "avatars", appCore.AvatarsEnabled(), "seed", appCore.SeedEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("chat server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if jobs != nil {
		workers := cfg.SeedWorkers
		if workers == 0 {
			workers = 1
		}
		g.Go(func() error {
			return jobs.Run(gctx, workers, appCore.HandleJob)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
