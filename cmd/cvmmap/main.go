// Command cvmmap captures video frames, keeps the newest one in a
// POSIX shared-memory region, and announces every update over a
// messaging endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosstyan/cv-mmap/internal/broadcast"
	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/source"
	"github.com/crosstyan/cv-mmap/internal/version"
)

const defaultConfigPath = "config.toml"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		writeDefault bool
		debug        bool
		trace        bool
	)
	flag.StringVar(&configPath, "c", defaultConfigPath, "path to config file")
	flag.StringVar(&configPath, "config", defaultConfigPath, "path to config file")
	flag.BoolVar(&writeDefault, "default", false, "write a default config if missing and exit")
	flag.BoolVar(&debug, "d", false, "enable debug logging")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&trace, "trace", false, "enable trace logging (per-send lines)")
	flag.Parse()

	fmt.Println(version.Banner())

	level := slog.LevelInfo
	switch {
	case trace:
		level = broadcast.LevelTrace
	case debug:
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if writeDefault {
		if _, err := os.Stat(configPath); err == nil {
			slog.Info("config already exists, leaving it alone", "path", configPath)
			return 0
		}
		cfg := config.Default()
		if err := cfg.WriteTOML(configPath); err != nil {
			slog.Error("failed to write default config", "path", configPath, "error", err)
			return 1
		}
		slog.Info("default config written, edit it and restart", "path", configPath)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Error("config not found, run with --default to create one", "path", configPath)
		} else {
			slog.Error("config load failed", "path", configPath, "error", err)
		}
		return 1
	}

	src, err := source.New(cfg)
	if err != nil {
		slog.Error("source init failed", "api", cfg.API, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting producer",
		"region", cfg.Name,
		"api", cfg.API,
		"pipeline", cfg.Ref.String(),
		"endpoint", cfg.ZMQAddress,
		"loop", cfg.IsLoop)

	p := broadcast.New(&cfg, src)
	if err := p.Run(ctx); err != nil {
		slog.Error("producer failed", "error", err)
		return 1
	}

	stats := p.Stats()
	slog.Info("stopped",
		"frames", stats.Frames,
		"sync_errors", stats.SyncErrors,
		"uptime", stats.Uptime.Round(time.Second))
	return 0
}
