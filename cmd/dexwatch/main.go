package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/dexwatch/internal/alert"
	"github.com/rewired-gh/dexwatch/internal/config"
	"github.com/rewired-gh/dexwatch/internal/dexscreener"
	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/monitor"
	"github.com/rewired-gh/dexwatch/internal/session"
	"github.com/rewired-gh/dexwatch/internal/storage"
	"github.com/rewired-gh/dexwatch/internal/store"
	"github.com/rewired-gh/dexwatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

type snapshotLoader interface {
	LoadSnapshot() (models.StoreSnapshot, error)
}

// restore fills subs from the persisted snapshot. Checkpoints replace the
// persisted tables, so the caller must not start checkpointing after an error.
func restore(db snapshotLoader, subs *store.Store) error {
	snap, err := db.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load persisted subscriptions: %w", err)
	}
	subs.Import(snap)
	return nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	db, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	subs := store.New(cfg.Monitor.HistoryCapacity)
	if err := restore(db, subs); err != nil {
		logger.Fatal("%v", err)
	}
	logger.Info("Restored %d watched instruments", subs.Len())

	monitorConfig := monitor.Config{
		PollInterval:         cfg.Monitor.PollInterval,
		FetchTimeout:         cfg.DexScreener.Timeout,
		MaxConcurrentFetches: cfg.DexScreener.MaxConcurrentFetches,
		RateLimitPerMinute:   cfg.DexScreener.RateLimitPerMinute,
		RateLimitBurst:       cfg.DexScreener.RateLimitBurst,
		FailureBackoffMin:    cfg.Monitor.FailureBackoffMin,
		FailureBackoffMax:    cfg.Monitor.FailureBackoffMax,
		PumpDump: monitor.PumpDumpDetector{
			Window:     cfg.Monitor.PumpWindow,
			MinSamples: cfg.Monitor.PumpMinSamples,
			Multiplier: cfg.Monitor.PumpMultiplier,
		},
	}
	limiter := monitorConfig.NewLimiter()

	dexClient := dexscreener.NewClient(
		cfg.DexScreener.APIURL,
		cfg.DexScreener.Timeout,
		dexscreener.ClientConfig{
			MaxRetries:          cfg.DexScreener.MaxRetries,
			RetryDelayBase:      cfg.DexScreener.RetryDelayBase,
			MaxIdleConnsPerHost: cfg.DexScreener.MaxIdleConnsPerHost,
			Limiter:             limiter,
		},
	)

	var telegramClient *telegram.Client
	var sink alert.Sink = alert.LogSink{}
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, cfg.Telegram.UpdateTimeout)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sink = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram disabled, alerts go to the log")
	}

	dispatcher := alert.NewDispatcher(sink, subs, alert.WithAlertLog(db))

	scheduler := monitor.New(subs, dexClient, dispatcher, monitorConfig, monitor.WithLimiter(limiter))

	checkpoint := func() {
		if err := db.SaveSnapshot(subs.Export()); err != nil {
			logger.Warn("Failed to checkpoint subscriptions: %v", err)
			return
		}
		logger.Debug("Checkpointed %d instruments", subs.Len())
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+cfg.Storage.CheckpointInterval.String(), checkpoint); err != nil {
		logger.Fatal("Failed to schedule checkpoint: %v", err)
	}
	c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		handler := telegram.NewHandler(subs, session.NewManager(subs), db)
		telegramClient.ListenForCommands(ctx, handler)
	}

	scheduler.Run(ctx)

	<-c.Stop().Done()
	logger.Info("Checkpointing %d instruments before shutdown", subs.Len())
	checkpoint()
	logger.Info("Service stopped")
}
