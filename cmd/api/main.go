package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/config"
	"workdesk.org/internal/fieldcrypt"
	"workdesk.org/internal/httpapi"
	"workdesk.org/internal/obs"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
	"workdesk.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Version = version

	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger, err := obs.NewLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DSN == "" {
		logger.Fatal("WORKDESK_PG_DSN is required")
	}
	store, err := pg.Open(cfg.DSN)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	mirror, err := obs.NewSecurityMirror(cfg.SecurityLogPath)
	if err != nil {
		logger.Fatal("security log mirror", zap.Error(err))
	}

	events := seclog.New(store.Events(), mirror, seclog.Config{
		ChainSecret:     cfg.ChainSecret,
		AdminHoursStart: cfg.AdminHoursStart,
		AdminHoursEnd:   cfg.AdminHoursEnd,
	})

	cipher, err := fieldcrypt.New(cfg.Keyring, cfg.ActiveKeyID, logger)
	if err != nil {
		logger.Fatal("field cipher", zap.Error(err))
	}

	policies := ratelimit.DefaultPolicies()
	if cfg.CaptchaAfter > 0 {
		login := policies[ratelimit.ActionLogin]
		login.CaptchaAfter = cfg.CaptchaAfter
		policies[ratelimit.ActionLogin] = login
	}
	limiter := ratelimit.New(store.Counters(), events, ratelimit.Config{
		Policies:         policies,
		SweepProbability: cfg.SweepProbability,
	})
	guard := session.NewGuard(store.Sessions(), events, cfg)
	resolver := access.NewResolver(store)

	api := httpapi.New(httpapi.Deps{
		Cfg:      cfg,
		Log:      logger,
		Users:    store,
		Projects: store,
		Resolver: resolver,
		Guard:    guard,
		Limiter:  limiter,
		Events:   events,
		Cipher:   cipher,
		Tokens:   access.NewTokenIssuer(cfg.TokenSecret, cfg.TokenIssuer),
		Probe:    httpapi.ReadyProbe{DB: store.DB()},
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting workdesk-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}
