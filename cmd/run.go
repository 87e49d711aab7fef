package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacklau/eventbus/internal/busevent"
)

var runMetricsAddrFlag string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the event bus host loop",
	Long: `Run starts the host's frame ticker, draining every subscriber queue,
sweeping the batch processor and replay system, and recomputing
backpressure metrics on every tick. It keeps running until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddrFlag, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); overrides server.metrics_addr")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := initComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	if c.Archive != nil {
		defer c.Archive.Close()
	}

	tickInterval, err := cfg.Server.TickInterval()
	if err != nil {
		return fmt.Errorf("invalid tick interval: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	metricsAddr := runMetricsAddrFlag
	if metricsAddr == "" {
		metricsAddr = cfg.Server.MetricsAddr
	}
	startMetricsServer(ctx, metricsAddr, c.Registry, logger)

	pollerErr := make(chan error, 1)
	if c.Poller != nil {
		interval, err := cfg.Server.HealthFeedInterval()
		if err != nil {
			return fmt.Errorf("invalid health feed interval: %w", err)
		}
		go func() {
			pollerErr <- c.Poller.Run(ctx, interval)
		}()
	}

	logger.Info("starting event bus host", zap.Duration("tick_interval", tickInterval))

	tickErr := make(chan error, 1)
	go func() {
		tickErr <- runTickLoop(ctx, c, tickInterval)
	}()

	select {
	case err := <-tickErr:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("tick loop error: %w", err)
		}
	case err := <-pollerErr:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("health feed poller error: %w", err)
		}
	}

	logger.Info("event bus host stopped")
	return nil
}

// runTickLoop drives the bus's frame tick at interval until ctx is done.
// It runs the scheduler's deferred work, then Bus.Tick, on the same
// goroutine every iteration, matching the single-threaded cooperative
// model the scheduler and cooperative-dispatch paths assume.
func runTickLoop(ctx context.Context, c *components, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Scheduler.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Scheduler.onTick()
			if err := c.Bus.Tick(ctx); err != nil && err != busevent.ErrDependencyMissing {
				c.Logger.Warn("tick failed", zap.Error(err))
			}
		}
	}
}
