package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/timeflow-backend/api/routes"
	"github.com/angelmondragon/timeflow-backend/internal/heartbeat"
	"github.com/angelmondragon/timeflow-backend/internal/ops"
	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/db"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/metrics"
	"github.com/angelmondragon/timeflow-backend/pkg/migrate"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	heartbeats, err := heartbeat.NewRegistry(redisClient, redisClient.HeartbeatPattern())
	if err != nil {
		logg.Error(context.Background(), "failed to create heartbeat registry", err)
		os.Exit(1)
	}

	opsService, err := ops.NewService(ops.ServiceParams{
		Broker:     redisClient,
		Heartbeats: heartbeats,
		Logger:     logg,
		Stream:     cfg.Stream,
		Ops:        cfg.Ops,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ops service", err)
		os.Exit(1)
	}

	publisher, err := events.NewPublisher(events.PublisherParams{
		Broker:  redisClient,
		Logger:  logg,
		Metrics: metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
		Stream:  cfg.Stream,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create publisher", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Deps{
			DB:        dbClient,
			Redis:     redisClient,
			Ops:       opsService,
			Publisher: publisher,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
