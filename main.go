package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabspace/collab"
	"collabspace/config"
	"collabspace/database"
	"collabspace/eventbus"
	"collabspace/filestore"
	"collabspace/prochost"
	"collabspace/server"
	"collabspace/utils"
	"collabspace/websocket"
)

func main() {
	// Initialize logging
	utils.InitLogging()

	// Load configuration
	cfg := config.LoadConfig()
	utils.TrustProxyHeaders.Store(cfg.TrustProxyHeaders)

	// Track application start time for uptime calculation
	startTime := time.Now()

	// Setup database with automatic migrations
	db := setupDatabase(cfg)
	defer db.Close()

	// Setup Redis. A failed ping degrades to single-instance consistency
	// instead of refusing to start.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0, // use default DB
	})
	defer rdb.Close()

	var bus eventbus.Bus
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			utils.LogError("redis unreachable, cross-instance propagation disabled", err, "addr", cfg.RedisURL)
			_ = rdb.Close()
			rdb = nil
			bus = eventbus.NopBus{}
		} else {
			bus = eventbus.NewRedisBus(rdb)
		}
	}

	// Wire the collaboration engine
	activity := database.NewActivityLog(db)
	engine := collab.NewEngine(collab.Config{
		Store:          filestore.NewPostgresStore(db),
		Host:           prochost.NewExecHost(),
		Bus:            bus,
		Recorder:       activity,
		InstanceID:     cfg.InstanceID,
		HistoryLimit:   cfg.OpHistoryLimit,
		PublishTimeout: cfg.PublishTimeout,
	})

	hub := websocket.NewHub()
	go hub.Run()
	engine.AddSink(hub)

	readyState := server.NewReadyState(db, rdb, cfg, engine)
	readyState.MarkStoreReady()
	// With Redis down the degraded bus is ready by definition.
	readyState.MarkRedisReady()

	app := server.CreateFiberApp(startTime, readyState)
	setupRoutes(app, db, rdb, engine, hub, activity, cfg, startTime, readyState)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(rootCtx); err != nil {
		log.Fatal("Collaboration engine start failed:", err)
	}
	readyState.MarkEngineReady()

	g, gCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return server.ListenWithIPv6Fallback(app, cfg.Port, startTime)
	})
	g.Go(func() error {
		<-gCtx.Done()
		utils.LogInfo("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			utils.LogError("http shutdown failed", err)
		}
		engine.Stop(shutdownCtx)
		hub.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		utils.LogError("server exited", err)
		os.Exit(1)
	}
	utils.LogInfo("server stopped", "uptime", time.Since(startTime).String())
}

// setupDatabase connects to Postgres, optionally skipping the migration
// check for faster restarts.
func setupDatabase(cfg *config.Config) *pgxpool.Pool {
	var (
		pool *pgxpool.Pool
		err  error
	)
	if config.GetEnvAsBool("SKIP_MIGRATION_CHECK", false) {
		pool, err = database.SetupDatabaseFast(cfg.DatabaseURL)
	} else {
		pool, err = database.SetupDatabase(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatal("Database setup failed:", err)
	}
	return pool
}
