package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"bita-miner/internal/account"
	"bita-miner/internal/api"
	"bita-miner/internal/bot"
	"bita-miner/internal/config"
	"bita-miner/internal/database"
	"bita-miner/internal/events"
	"bita-miner/internal/lease"
	"bita-miner/internal/referral"
	"bita-miner/internal/session"
	"bita-miner/internal/store"
	"bita-miner/internal/worker"
	"bita-miner/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Could not load config: %v", err)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatalf("Could not initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	defer database.Close(db)

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}
	defer rdb.Close()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	bus, err := newBus(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("Could not set up event bus: %v", err)
	}
	defer bus.Close()

	if err := run(ctx, cfg, store.New(db), rdb, bus); err != nil {
		logger.Log.Error("service stopped with error", logger.Error(err))
		os.Exit(1)
	}
	logger.Log.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, st *store.Store, rdb *redis.Client, bus events.Bus) error {
	outbox := session.NewOutbox(st, session.OutboxSettings{
		MaxAttempts: cfg.OutboxMaxAttempts,
		BaseDelay:   cfg.OutboxBaseDelay,
		MaxDelay:    cfg.OutboxMaxDelay,
		Capacity:    cfg.OutboxCapacity,
	})
	leases := lease.NewRedis(rdb, cfg.InstanceID, cfg.LeaseTTL)
	manager := session.NewManager(st, outbox, leases, session.Settings{
		MiningDuration:   cfg.MiningDuration,
		TickInterval:     cfg.TickInterval,
		FlushInterval:    cfg.FlushInterval,
		BoostIncrement:   cfg.BoostIncrement,
		BalancePrecision: cfg.BalancePrecision,
	}, cfg.BaseMiningSpeed, cfg.LeaseTTL)

	accounts := account.NewService(st, cfg.BaseMiningSpeed, cfg.BotUsername, cfg.WebAppName)
	processor := referral.NewProcessor(st)
	relay := events.NewRelay(st, bus, cfg.RelayInterval)

	tgBot, err := bot.New(cfg.BotToken, cfg.BotUsername, cfg.WebAppName, accounts)
	if err != nil {
		return err
	}

	sweeper := worker.NewSweeper(st, manager, leases, tgBot, rdb, cfg.RemindBefore)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, sweeper.Run); err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", cfg.SweepSchedule, err)
	}

	handler := api.NewHandler(accounts, manager, api.Options{
		USDRate:          cfg.USDRate,
		CommunityURL:     cfg.CommunityURL,
		BalancePrecision: cfg.BalancePrecision,
		FriendBoost:      cfg.FriendBoost,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, cfg.BotToken, cfg.InitDataMaxAge),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return outbox.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return bus.Subscribe(gctx, processor.Handle) })
	g.Go(func() error { return tgBot.Start(gctx) })

	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	g.Go(func() error {
		logger.Log.Info("http server started",
			logger.String("addr", cfg.HTTPAddr), logger.String("instance_id", cfg.InstanceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn("error shutting down http server", logger.Error(err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn("error suspending sessions", logger.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newBus(ctx context.Context, cfg *config.Config, rdb *redis.Client) (events.Bus, error) {
	switch cfg.EventBus {
	case config.BusMemory:
		return events.NewMemoryBus(cfg.OutboxCapacity), nil
	case config.BusRabbitMQ:
		return events.NewRabbitBus(cfg.RabbitMQURL, cfg.EventStream)
	default:
		return events.NewRedisBus(ctx, rdb, cfg.EventStream, cfg.EventGroup, cfg.InstanceID, cfg.EventClaimIdle)
	}
}
