package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pingx/internal/bootstrap"
	"pingx/internal/bot"
	"pingx/internal/config"
	cronpkg "pingx/internal/cron"
	"pingx/internal/handler/api"
	"pingx/internal/middleware"
	"pingx/internal/notify"
	"pingx/internal/panel"
	"pingx/internal/pkg/locker"
	"pingx/internal/router"
	"pingx/internal/subscription"
)

func main() {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.MigrateAndSeed(db, seedDefaults(cfg)); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}
	if hasArg("--bootstrap-db") {
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Redis (locks + webhook dedup, in-memory fallback) ---
	rdb, err := locker.Dial(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory locks and dedup", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// --- Panel ---
	var session *panel.Session
	panelCfg := panel.Config{
		BaseURL:            cfg.Panel.BaseURL,
		Username:           cfg.Panel.Username,
		Password:           cfg.Panel.Password,
		Timeout:            cfg.Panel.Timeout,
		InsecureSkipVerify: cfg.Panel.InsecureSkipVerify,
	}
	if panelCfg.Configured() {
		session = panel.NewSession(panelCfg, logger)
	} else {
		logger.Warn("Panel is not configured, purchases are disabled")
	}

	repos := subscription.NewRepos(db)

	// --- Bot ---
	var (
		teleBot   *bot.Bot
		messenger notify.Messenger
		webhook   http.Handler
	)
	if cfg.Bot.Token != "" {
		teleBot, err = bot.New(cfg.Bot, repos, logger)
		if err != nil {
			logger.Fatal("Failed to create bot", zap.Error(err))
		}
		messenger = teleBot
		webhook = teleBot.WebhookHandler()
	}

	// --- Subscription service ---
	svc := subscription.NewService(subscription.Config{
		InboundID: cfg.Panel.InboundID,
		AdminIDs:  cfg.Bot.AdminIDs,
	}, session, repos, locker.ForClient(rdb, cfg.Redis.KeyPrefix), messenger, logger)
	if teleBot != nil {
		teleBot.Bind(svc)
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	router.Setup(e, &api.Deps{Service: svc, Repos: repos}, logger, cfg.API.Key,
		middleware.NewUpdateDeduper(rdb, middleware.DedupConfig{
			Prefix: cfg.Redis.KeyPrefix,
			TTL:    cfg.Bot.UpdateTTL,
		}), webhook)

	// --- Reconciler ---
	reconciler := cronpkg.NewReconciler(cfg.Scheduler, svc, repos.Purchase, repos.Usage, messenger, logger)
	reconciler.Start()

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting pingx server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server stopped", zap.Error(err))
		}
	}()

	if teleBot != nil {
		go teleBot.Start()
	}

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	if teleBot != nil {
		teleBot.Stop()
	}

	<-reconciler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func seedDefaults(cfg *config.Config) bootstrap.Defaults {
	return bootstrap.Defaults{
		InboundID: cfg.Panel.InboundID,
		SubHost:   cfg.Subscription.Host,
		SubScheme: cfg.Subscription.Scheme,
		SubPath:   cfg.Subscription.Path,
		SubPort:   cfg.Subscription.Port,
	}
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}
