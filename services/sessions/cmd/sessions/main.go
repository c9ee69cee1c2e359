package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/internal/usertoken"
	"whatsgonow/internal/util"
	"whatsgonow/pkg/events"
	"whatsgonow/pkg/queue"
	"whatsgonow/pkg/storage"
	"whatsgonow/services/sessions/internal/app"
	"whatsgonow/services/sessions/internal/config"
	"whatsgonow/services/sessions/internal/server"
	"whatsgonow/services/sessions/internal/worker"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	defaultTTL, maxTTL, _ := config.ParseSessionTTLs(cfg.DefaultSessionTTL, cfg.MaxSessionTTL)
	presignExpiry, _ := config.ParsePresignExpiry(cfg.PresignExpiry)
	leeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	proxies, err := util.ParseProxyAllowlist(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	jobs, err := queue.NewRedisQueue(rdb, queue.Config{
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
	}, logger)
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
		if err != nil {
			log.Fatalf("failed to connect amqp: %v", err)
		}
		publisher = p
	} else {
		logger.Warn("amqpURL not set; completion events are dropped")
	}
	defer publisher.Close()

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     leeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	appCore, err := app.New(ctx, app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		Jobs:              jobs,
		DefaultTTL:        defaultTTL,
		MaxTTL:            maxTTL,
		PresignExpiry:     presignExpiry,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var uploadLimiter *ratelimit.Window
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadLimiter, err = ratelimit.NewWindow(rdb, "whatsgonow:sessions:rl:upload", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		UploadLimiter:  uploadLimiter,
		TrustedProxies: proxies,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("sessions server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return jobs.Run(ctx, cfg.Workers, worker.New(publisher, logger).Handle)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("sessions service error", "err", err)
		os.Exit(1)
	}
	logger.Info("sessions service stopped")
}
