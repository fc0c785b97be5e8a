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

	"github.com/video-system/go-depth-capture/pkg/api"
	"github.com/video-system/go-depth-capture/pkg/capture"
	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

const version = "1.0.0"

var _ api.SessionManager = (*capture.Manager)(nil)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	watch := flag.Bool("watch", true, "Reload tunables when the config file changes")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("depth-capture %s (native driver: %v)\n", version, freenect2.IsAvailable())
		return
	}

	// Load configuration
	cfg, err := capture.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	// Create session manager
	manager, err := capture.NewManager(cfg)
	if err != nil {
		slog.Error("Failed to create manager", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received...")
		cancel()
	}()

	// Start all sessions
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start sessions", "error", err)
		manager.Stop()
		os.Exit(1)
	}

	if *watch {
		if err := capture.WatchConfig(ctx, *configPath, manager.ApplyTunables); err != nil {
			slog.Warn("Config watch disabled", "error", err)
		}
	}

	// Create and start API server
	apiServer := api.NewServer(api.ServerConfig{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Manager: manager,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			slog.Error("API server error", "error", err)
		}
	}()

	// Wait for shutdown
	manager.Wait()

	// Cleanup
	apiServer.Stop()
	manager.Stop()

	slog.Info("Capture stopped", "version", version)
}

func newLogger(cfg capture.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
