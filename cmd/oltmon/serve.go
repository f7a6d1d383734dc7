package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gponlabs/oltmon/pkg/api"
	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/config"
	"github.com/gponlabs/oltmon/pkg/dispatch"
	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/locks"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/poller"
	"github.com/gponlabs/oltmon/pkg/queue"
	"github.com/gponlabs/oltmon/pkg/runtime"
	"github.com/gponlabs/oltmon/pkg/scheduler"
	"github.com/gponlabs/oltmon/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling core",
	Long: `Run the polling core: scheduler tick loop, worker pool,
completion dispatcher, janitor and the observability API.

With store.driver=postgres the core runs against Postgres and Redis
(locks + task queue). With store.driver=bolt it runs fully embedded:
Bolt storage, in-memory locks and an in-process loopback runtime that
simulates poll round-trips. The embedded mode is for development only.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().String("listen", "", "API listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	// Storage
	var store storage.Store
	var err error
	switch cfg.Store.Driver {
	case config.StorePostgres:
		store, err = storage.NewPostgresStore(cfg.Store.DSN)
	case config.StoreBolt:
		store, err = storage.NewBoltStore(cfg.Store.DataDir)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Recent-event ring behind GET /events
	recorder := events.NewRecorder(broker, events.DefaultRecorderCapacity)
	defer recorder.Stop()

	// Locks and the runtime boundary. Postgres mode shares them with
	// peer replicas over Redis; Bolt mode stays in-process.
	var locker locks.Locker
	var submitter runtime.Submitter
	var redisQueue *runtime.RedisQueue
	var loopback *runtime.LoopbackSubmitter

	if cfg.Store.Driver == config.StorePostgres {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()

		locker = locks.NewRedisLocker(redisClient)
		redisQueue = runtime.NewRedisQueue(redisClient)
		submitter = redisQueue
	} else {
		logger.Warn().Msg("Embedded mode: in-memory locks and loopback runtime, development only")
		locker = locks.NewMemoryLocker()
		loopback = runtime.NewLoopbackSubmitter(nil, 2*time.Second)
		submitter = loopback
	}

	// Polling core
	proto := composite.NewDispatcher(store, locker, submitter, cfg.NodeLockTTL())
	pool := poller.NewPool(cfg.Pollers.StartPollers, queue.New(cfg.Pollers.QueueMaxSize), proto, store, broker)
	completion := dispatch.NewDispatcher(store, locker, pool, broker, cfg.ChainLockTTL())
	sched := scheduler.NewScheduler(store, pool, cfg.TickInterval())
	janitor := dispatch.NewJanitor(store, pool, broker, cfg.JanitorPendingMaxAge())

	if redisQueue != nil {
		go redisQueue.ConsumeResults(context.Background(), completion.Handler())
		defer redisQueue.Stop()
	} else {
		loopback.SetHandler(completion.Handler())
	}

	sched.Start()
	defer sched.Stop()
	janitor.Start()
	defer janitor.Stop()

	server := api.NewServer(store, pool, sched, recorder)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- server.Start(cfg.ListenAddr)
	}()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("store", cfg.Store.Driver).
		Int("start_pollers", cfg.Pollers.StartPollers).
		Msg("oltmon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	return nil
}
