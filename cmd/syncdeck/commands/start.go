package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/api"
	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/config"
	"github.com/marmos91/syncdeck/pkg/identity"
	"github.com/marmos91/syncdeck/pkg/media"
	"github.com/marmos91/syncdeck/pkg/metrics"
	syncprom "github.com/marmos91/syncdeck/pkg/metrics/prometheus"
	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync server",
	Long: `Start the sync server with the specified configuration.

The server runs in the foreground; run it under a process supervisor for
daemonized deployments.

Examples:
  # Start with default config location
  syncdeck start

  # Start with custom config file
  syncdeck start --config /etc/syncdeck/config.yaml

  # Start with environment variable overrides
  SYNCDECK_LOGGING_LEVEL=DEBUG syncdeck start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	users, err := identity.Open(cfg.AuthDBPath())
	if err != nil {
		return fmt.Errorf("failed to open credential database: %w", err)
	}
	defer users.Close()

	cols := collection.NewStore(cfg.Storage.Root)
	defer cols.Close()

	reg, err := session.Open(cfg.SessionDBPath(), users, cols)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	defer reg.Close()

	mediaEngine := media.NewEngine(cfg.Storage.Root, reg.Hub(), int64(cfg.Limits.MaxMediaFile))
	defer mediaEngine.Close()

	engine := syncer.NewEngine(reg, mediaEngine, int64(cfg.Limits.MaxCollection))

	handler, err := api.NewHandler(reg, engine, mediaEngine,
		int64(cfg.Limits.MaxPayload), int64(cfg.Limits.MaxCollection),
		syncprom.NewSyncMetrics())
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	server := api.NewServer(cfg.Server, handler, cfg.ListenAddr())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	var metricsDone chan error
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port)
		metricsDone = make(chan error, 1)
		go func() {
			metricsDone <- metricsServer.Start(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running, press Ctrl+C to stop",
		"addr", cfg.ListenAddr(), "data", cfg.Storage.Root)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.KeyError, err)
			return err
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			logger.Error("server error", logger.KeyError, err)
			return err
		}
	}

	if metricsDone != nil {
		if err := <-metricsDone; err != nil {
			logger.Error("metrics server shutdown error", logger.KeyError, err)
		}
	}

	logger.Info("server stopped gracefully")
	return nil
}
