package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/application"
	"github.com/playingpack/playingpack/internal/domain/service"
	"github.com/playingpack/playingpack/internal/infrastructure/cache"
	"github.com/playingpack/playingpack/internal/infrastructure/config"
	"github.com/playingpack/playingpack/internal/infrastructure/logger"
	"github.com/playingpack/playingpack/internal/infrastructure/mock"
	"github.com/playingpack/playingpack/internal/infrastructure/persistence"
	"github.com/playingpack/playingpack/internal/infrastructure/upstream"
	httpiface "github.com/playingpack/playingpack/internal/interfaces/http"
	"github.com/playingpack/playingpack/internal/interfaces/websocket"
)

const (
	appName    = "playingpack"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Recording, replaying and intercepting proxy for OpenAI-compatible APIs",
		Long: appName + ` sits between an LLM agent and its upstream API. It records
responses for deterministic replay, can synthesise mock responses, and
lets an operator inspect and steer each request at two decision points.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting playingpack",
		zap.String("version", appVersion),
		zap.String("upstream", cfg.Proxy.Upstream),
		zap.String("cache_mode", cfg.Proxy.CacheMode),
		zap.Bool("intervene", cfg.Proxy.Intervene),
	)

	if err := config.Bootstrap(log); err != nil {
		log.Warn("Bootstrap failed", zap.Error(err))
	}

	// baseCtx bounds decision-point waits; cancelled last during shutdown
	// so in-flight sessions resolve instead of leaking.
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := service.NewBroker(log)
	settings := service.NewSettingsStore(cfg.Settings())
	store := cache.NewStore(cfg.Cache.Dir, log)
	client := upstream.NewClient(log)
	mocks := mock.NewGenerator(mock.Options{})

	var archive *persistence.SessionArchive
	var archiver application.Archiver
	if cfg.Database.Enabled {
		db, err := persistence.NewDB(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("session archive: %w", err)
		}
		archive = persistence.NewSessionArchive(db, log)
		archiver = archive
	}

	engine := application.NewEngine(baseCtx, broker, settings, store, client, mocks, archiver, log)

	hub := websocket.NewHub(broker, log)
	hub.Start()

	server := httpiface.NewServer(httpiface.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Mode:      cfg.Server.Mode,
		StaticDir: cfg.Server.StaticDir,
	}, engine, client, archive, hub, log)

	if err := server.Start(baseCtx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	broker.StartReaper(time.Minute)

	var watcher *config.Watcher
	if p := config.Path(configPath); p != "" {
		watcher, err = config.NewWatcher(p, settings, log)
		if err != nil {
			log.Warn("Config hot reload unavailable", zap.Error(err))
		} else {
			watcher.Start()
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if watcher != nil {
		watcher.Stop()
	}
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}
	hub.Stop()
	broker.Stop()
	cancel()

	log.Info("Stopped")
	return nil
}
