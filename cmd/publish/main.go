package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/mstrand/realtime-core/internal/config"
	"github.com/mstrand/realtime-core/internal/connection"
	"github.com/mstrand/realtime-core/internal/dispatch"
	"github.com/mstrand/realtime-core/internal/realtime"
	"github.com/mstrand/realtime-core/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.local.yaml", "path to config file")
	channel := flag.String("channel", "", "channel to publish to")
	event := flag.String("event", "", "event name")
	payload := flag.String("payload", "{}", "JSON payload")
	ack := flag.Bool("ack", false, "wait for a delivery ack")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting publish",
		"version", version.Version,
		"commit", version.Commit,
	)

	if *channel == "" || *event == "" {
		logger.Error("--channel and --event are required")
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := realtime.New(cfg, realtime.WithLogger(logger))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Wait for the session before publishing.
	for client.ConnectionState() != connection.StateConnected {
		select {
		case <-ctx.Done():
			logger.Error("timed out waiting for connection")
			os.Exit(1)
		case <-time.After(50 * time.Millisecond):
		}
	}

	err = client.Send(ctx, *channel, *event, []byte(*payload), dispatch.SendOptions{
		RequireAck: *ack,
	})
	if err != nil {
		logger.Error("publish failed", "channel", *channel, "event", *event, "error", err)
		os.Exit(1)
	}

	logger.Info("published",
		"channel", *channel,
		"event", *event,
		"acked", *ack,
	)
}
