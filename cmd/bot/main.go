package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg_business_monitor_bot/internal/admin"
	"tg_business_monitor_bot/internal/config"
	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/feature/account"
	"tg_business_monitor_bot/internal/feature/mainadmin"
	"tg_business_monitor_bot/internal/health"
	"tg_business_monitor_bot/internal/keyedmutex"
	"tg_business_monitor_bot/internal/ledger/referral"
	"tg_business_monitor_bot/internal/ledger/subscription"
	"tg_business_monitor_bot/internal/logging"
	"tg_business_monitor_bot/internal/monitor"
	"tg_business_monitor_bot/internal/store"
	"tg_business_monitor_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	adminBootstrapTimeout   = 5 * time.Second
	healthShutdownTimeout   = 5 * time.Second
	telegramShutdownTimeout = 10 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	adminRegistrar := mainadmin.NewRegistrar(mongoManager.Users(), logger)
	adminCtx, cancelAdmin := context.WithTimeout(context.Background(), adminBootstrapTimeout)
	if err := adminRegistrar.EnsureMainAdmin(adminCtx, cfg.MainAdminID); err != nil {
		cancelAdmin()
		logger.WithError(err).Error("main admin bootstrap error")
		fmt.Fprintf(os.Stderr, "main admin bootstrap error: %v\n", err)
		os.Exit(1)
	}
	cancelAdmin()

	accountRegistrar := account.NewRegistrar(mongoManager.Users(), logger)
	accountRepository := domain.NewAccountRepository(mongoManager.Users())
	locks := keyedmutex.New()
	subscriptionLedger := subscription.NewLedger(accountRepository, locks, logger)
	referralLedger := referral.NewLedger(accountRepository, subscriptionLedger, locks, logger)
	adminGate := admin.NewGate(accountRepository, cfg.MainAdminID, logger)
	messageArchive := monitor.NewArchive(mongoManager.Messages(), logger)
	statsProvider := store.NewStatsProvider(mongoManager.Users(), mongoManager.Messages())

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithAccountRegistrar(accountRegistrar),
		telegram.WithAccountFetcher(accountRepository),
		telegram.WithSubscriptionLedger(subscriptionLedger),
		telegram.WithReferralLedger(referralLedger),
		telegram.WithAdminGate(adminGate),
		telegram.WithMessageArchive(messageArchive),
		telegram.WithStatsProvider(statsProvider),
	)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
