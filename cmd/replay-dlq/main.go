package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/events/replay"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "replay-dlq"})

	_ = godotenv.Load()

	count := flag.Int64("count", replay.DefaultCount, "max DLQ entries to replay")
	from := flag.String("from", "", "inclusive DLQ entry ID to start from (default: stream start)")
	dryRun := flag.Bool("dry-run", false, "report what would be replayed without writing")
	del := flag.Bool("delete", false, "delete each DLQ entry after successful replay")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "replay-dlq",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	stream := cfg.Replay.Stream
	if stream == "" {
		stream = cfg.Stream.Stream
	}
	dlq := cfg.Replay.DLQStream
	if dlq == "" {
		dlq = cfg.Stream.DLQStream
	}

	replayer, err := replay.NewReplayer(replay.ReplayerParams{
		Broker: redisClient,
		Logger: logg,
		Stream: stream,
		DLQ:    dlq,
	})
	if err != nil {
		logg.Error(ctx, "failed to create replayer", err)
		os.Exit(1)
	}

	fmt.Printf("replaying from %s to %s (count=%d dry-run=%v delete=%v)\n", dlq, stream, *count, *dryRun, *del)

	summary, err := replayer.Run(ctx, replay.Options{
		Count:  *count,
		FromID: *from,
		DryRun: *dryRun,
		Delete: *del,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("found=%d replayed=%d deleted=%d would-replay=%d failures=%d\n",
		summary.Found, summary.Replayed, summary.Deleted, summary.WouldReplay, len(summary.Failures))
	for _, failure := range summary.Failures {
		fmt.Fprintf(os.Stderr, "entry %s: %v\n", failure.ID, failure.Err)
	}

	if summary.Err() != nil {
		os.Exit(1)
	}
}
