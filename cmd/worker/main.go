package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/config"
	"github.com/lonmstalker/advert-market-sub000/internal/db"
	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/escrow"
	"github.com/lonmstalker/advert-market-sub000/internal/events"
	"github.com/lonmstalker/advert-market-sub000/internal/finance"
	"github.com/lonmstalker/advert-market-sub000/internal/jobs"
	"github.com/lonmstalker/advert-market-sub000/internal/ledger"
	"github.com/lonmstalker/advert-market-sub000/internal/outbox"
	"github.com/lonmstalker/advert-market-sub000/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, log); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}
	if err := db.MigrateRiver(ctx, pool, log); err != nil {
		log.WithError(err).Fatal("apply river migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("connect to redis")
	}

	// Ledger
	ledgerEngine := ledger.NewEngine(pool, ledger.NewRepository(pool),
		ledger.NewRedisBalanceCache(rdb, cfg.BalanceCacheTTL), log)

	// Deals
	outboxStore := outbox.NewStore(events.MustContracts())
	dealRepo := deal.NewRepository(pool)
	dealEngine := deal.NewEngine(pool, dealRepo, outboxStore, log)
	wallet, err := escrow.NewDerivedWallet(cfg.EscrowWalletAddress, escrow.NewSequenceAllocator(pool))
	if err != nil {
		log.WithError(err).Fatal("configure escrow wallet")
	}
	dealSvc := deal.NewService(dealEngine, dealRepo, wallet, escrow.NewRedisOwnerDirectory(rdb), log)

	// Settlement
	deposits := finance.NewDepositRepository(pool)
	settlement := finance.NewSettlement(dealRepo, deposits, ledgerEngine, dealEngine, finance.NewDryRunSender(log), log)

	dispatcher := workflow.NewDispatcher(pool, dealRepo, outboxStore, dealSvc,
		escrow.NewLedgerEscrow(ledgerEngine, log), deposits, dealEngine, log)

	delivery := outbox.NewDeliveryWorker(log)
	delivery.Register(events.TypeDealStateChanged, dispatcher)
	if !cfg.IsProduction() {
		delivery.Register(events.TypeExecutePayout, outbox.HandlerFunc(settlement.HandlePayout))
		delivery.Register(events.TypeExecuteRefund, outbox.HandlerFunc(settlement.HandleRefund))
		delivery.Register(events.TypeWatchDeposit, outbox.HandlerFunc(settlement.SimulateDeposit))
		log.Warn("dry run settlement enabled, no funds will move")
	}

	riverClient, err := newRiverClient(pool, outboxStore, delivery, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("create river client")
	}
	if err := riverClient.Start(ctx); err != nil {
		log.WithError(err).Fatal("start river client")
	}

	// Timeout scanner
	scanner := jobs.NewTimeoutScanner(dealRepo, dealEngine, jobs.NewRedisLock(rdb),
		cfg.TimeoutLockTTL, cfg.TimeoutScanBatch, log)
	scheduler := jobs.NewScheduler(log)
	if err := scheduler.Add(ctx, cfg.TimeoutScanSchedule, "deal_timeout_scan", func(ctx context.Context) error {
		_, err := scanner.Scan(ctx)
		return err
	}); err != nil {
		log.WithError(err).Fatal("schedule timeout scan")
	}
	scheduler.Start()

	log.WithField("env", cfg.AppEnv).Info("worker started")
	<-ctx.Done()
	log.Info("shutting down")

	scheduler.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := riverClient.Stop(stopCtx); err != nil {
		log.WithError(err).Error("stop river client")
	}
	log.Info("worker stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	// Validate already rejected unknown levels.
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	return log
}
