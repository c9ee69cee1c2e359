package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/internal/util"
	"whatsgonow/services/auth/internal/app"
	"whatsgonow/services/auth/internal/config"
	"whatsgonow/services/auth/internal/security"
	"whatsgonow/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, _ := config.ParseSessionTTL(cfg.SessionTTL)
	refreshTTL, _ := config.ParseRefreshTTL(cfg.RefreshTTL)
	leeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	verifyKeys, _ := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	proxies, err := util.ParseProxyAllowlist(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		Redis:               rdb,
		SessionTTL:          sessionTTL,
		RefreshTTL:          refreshTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           leeway,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		SignupLimiter:  perMinute(rdb, "whatsgonow:auth:rl:signup", cfg.SignupRateLimitPerMinute),
		LoginLimiter:   perMinute(rdb, "whatsgonow:auth:rl:login", cfg.LoginRateLimitPerMinute),
		RefreshLimiter: perMinute(rdb, "whatsgonow:auth:rl:refresh", cfg.RefreshRateLimitPerMinute),
		Alerter:        security.NewAuditAlerter(rdb, cfg.AlertPrefix),
		TrustedProxies: proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("auth server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("auth server stopped")
}

// perMinute returns nil (unlimited) for a zero limit.
func perMinute(rdb redis.UniversalClient, prefix string, limit int) *ratelimit.Window {
	if limit <= 0 {
		return nil
	}
	w, err := ratelimit.NewWindow(rdb, prefix, limit, time.Minute)
	if err != nil {
		log.Fatalf("failed to init rate limiter %s: %v", prefix, err)
	}
	return w
}
