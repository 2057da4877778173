package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mstrand/realtime-core/internal/config"
	"github.com/mstrand/realtime-core/internal/connection"
	"github.com/mstrand/realtime-core/internal/realtime"
	"github.com/mstrand/realtime-core/internal/registry"
	"github.com/mstrand/realtime-core/internal/version"
)

type channelList []string

func (c *channelList) String() string { return strings.Join(*c, ",") }
func (c *channelList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/client.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	var channels channelList
	flag.Var(&channels, "channel", "channel to watch (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if len(channels) == 0 {
		logger.Error("at least one --channel is required")
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"url", cfg.Connection.URL,
		"channels", channels.String(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	client := realtime.New(cfg, realtime.WithLogger(logger))
	defer client.Close()

	removeListener := client.OnConnectionStateChange(func(sc connection.StateChange) {
		logger.Info("connection state changed",
			"from", sc.From.String(),
			"to", sc.To.String(),
		)
	})
	defer removeListener()

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Watch every requested channel, printing each event as it arrives.
	for _, name := range channels {
		kind := registry.KindPublic
		switch {
		case strings.HasPrefix(name, "presence-"):
			kind = registry.KindPresence
		case strings.HasPrefix(name, "private-"):
			kind = registry.KindPrivate
		}

		handle, err := client.Subscribe(ctx, name, kind, []registry.Binding{
			{Event: "", Fn: func(ev registry.Event) {
				fmt.Printf("[%s] %s %s\n", ev.Channel, ev.Name, ev.Payload)
			}},
		}, nil)
		if err != nil {
			logger.Error("subscribe failed", "channel", name, "error", err)
			os.Exit(1)
		}
		defer client.Unsubscribe(handle)
	}

	logger.Info("watching", "channels", len(channels))

	<-ctx.Done()
	logger.Info("shutting down")
}
