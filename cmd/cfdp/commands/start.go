package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/cfdp/internal/dirsource"
	"github.com/marmos91/cfdp/internal/engine"
	"github.com/marmos91/cfdp/internal/logger"
	"github.com/marmos91/cfdp/pkg/bus"
	"github.com/marmos91/cfdp/pkg/config"
	"github.com/marmos91/cfdp/pkg/filestore"
	"github.com/marmos91/cfdp/pkg/metrics"
	promimpl "github.com/marmos91/cfdp/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the CFDP engine",
	Long: `Start the CFDP engine with the given configuration.

The engine binds one UDP socket per channel, wakes at the configured
tick rate, and runs until SIGINT or SIGTERM. SIGUSR1 dumps the active
queues and history to stderr.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	var engineMetrics metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		engineMetrics = promimpl.NewEngineMetrics()
	}

	transport, err := bus.NewUDP(cfg.BusRoutes(), cfg.MaxPipeDepth())
	if err != nil {
		return err
	}
	defer transport.Close()

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Bus:     transport,
		Files:   filestore.NewOS(),
		Metrics: engineMetrics,
		Source:  dirsource.NewScanner(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("engine started",
			"local_eid", cfg.Engine.LocalEID,
			"channels", len(cfg.Engine.Channels),
			"ticks_per_second", cfg.Engine.TicksPerSecond)
		err := eng.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// SIGUSR1 dumps queue and history state for ground inspection.
	g.Go(func() error {
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-usr1:
				eng.WriteStatus(os.Stderr)
			}
		}
	})

	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "address", cfg.Metrics.ListenAddress)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("engine stopped")
	return err
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	return mux
}
