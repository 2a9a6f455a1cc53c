package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"semaphore/messaging/internal/config"
	"semaphore/messaging/internal/conversation"
	"semaphore/messaging/internal/db"
	messaginggrpc "semaphore/messaging/internal/grpc"
	internalhttp "semaphore/messaging/internal/http"
	"semaphore/messaging/internal/jobs"
	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/mail"
	"semaphore/messaging/internal/messaging"
	"semaphore/messaging/internal/notification"
	"semaphore/messaging/internal/observability"
	"semaphore/messaging/internal/presence"
	"semaphore/messaging/internal/queue"
	"semaphore/messaging/internal/realtime"
	"semaphore/messaging/internal/repository"
	"semaphore/messaging/internal/storage"
)

const attachmentBaseURL = "/messages/attachment"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv load error: %v", err)
	}
	cfg := config.Load()

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer lg.Closer()
	logger := lg.Base

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, cfg.Release)
	if err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := db.Migrate(pool); err != nil {
		logger.Fatal("db migration failed", zap.Error(err))
	}
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	runner := jobs.New(ctx, logger)

	var registry presence.Registry
	if redisClient != nil {
		shared := presence.NewRedis(redisClient, cfg.PresenceTTL)
		runner.Every(cfg.PresenceRefreshInterval, "presence_refresh", shared.Refresh)
		registry = shared
	} else {
		registry = presence.NewLocal()
	}

	hub := realtime.NewHub(redisClient, logger)
	if err := hub.Start(ctx); err != nil {
		logger.Fatal("realtime bridge failed", zap.Error(err))
	}

	mailer, err := mail.New(cfg.Email, logger)
	if err != nil {
		logger.Fatal("mail transport init failed", zap.Error(err))
	}
	defer func() { _ = mailer.Close() }()

	var email notification.EmailSender = mailer
	workerDone := make(chan struct{})
	close(workerDone)
	if cfg.Email.Delivery == "queue" {
		if cfg.RedisAddr == "" {
			logger.Fatal("EMAIL_DELIVERY=queue requires REDIS_ADDR")
		}
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		producer := queue.NewEmailProducer(asynq.NewClient(redisOpt), logger)
		defer func() { _ = producer.Close() }()
		email = producer

		worker := queue.NewWorker(redisOpt, cfg.Email.SMTP.PoolSize, queue.NewEmailHandler(mailer, logger), logger)
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := worker.Run(ctx); err != nil {
				logger.Error("email worker error", zap.Error(err))
			}
		}()
	}

	var pusher notification.Pusher
	if sender, err := notification.NewPushSender(cfg.Push, nil); err != nil {
		logger.Warn("web push disabled", zap.Error(err))
	} else {
		pusher = sender
	}

	uploads, err := storage.NewDisk(cfg.UploadDir, cfg.UploadMaxBytes, attachmentBaseURL)
	if err != nil {
		logger.Fatal("upload storage init failed", zap.Error(err))
	}

	notifications := notification.NewService(store, store, registry, hub, pusher, email, notification.Options{
		FrontendBaseURL: cfg.FrontendBaseURL,
		PushIcon:        cfg.Push.Icon,
		PushBadge:       cfg.Push.Badge,
	}, logger)
	resolver := conversation.NewResolver(store, store, logger)
	pipeline := messaging.NewPipeline(store, resolver, hub, notifications, uploads, logger)

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Conversations: resolver,
		Messages:      pipeline,
		Notifications: notifications,
		Presence:      registry,
		Hub:           hub,
		Uploads:       uploads,
		Users:         store,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("messaging http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	grpcServer, _, err := messaginggrpc.NewServer(cfg.ServiceAuthToken, notifications, logger)
	if err != nil {
		logger.Warn("grpc server disabled", zap.Error(err))
	} else {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				logger.Fatal("grpc listen error", zap.Error(err))
			}
			logger.Info("messaging grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(listener); err != nil {
				logger.Fatal("grpc server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	hub.Close()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	notifications.Wait()
	<-workerDone
	logger.Info("messaging stopped")
}
