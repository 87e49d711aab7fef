package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacklau/eventbus/internal/archive"
	"github.com/jacklau/eventbus/internal/bus"
	"github.com/jacklau/eventbus/internal/config"
	"github.com/jacklau/eventbus/internal/healthfeed"
	"github.com/jacklau/eventbus/internal/notify"
	"github.com/jacklau/eventbus/internal/queue"
	"github.com/jacklau/eventbus/internal/retry"
	"github.com/jacklau/eventbus/internal/router"
	"github.com/jacklau/eventbus/internal/window"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "eventbusctl",
	Short: "Run and inspect an in-process event bus host",
	Long: `eventbusctl hosts the event bus: a persistent per-subscriber queue,
an adaptive backpressure controller, a batch processor, a health-aware
router, a replay system, and a time-window aggregator, all driven by a
single frame tick. It can also poll an external health-check endpoint
and archive window/replay snapshots to sqlite.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eventbus/config.yaml"
	}
	return home + "/.eventbus/config.yaml"
}

func setupLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

// components holds every piece the run/status subcommands share: the
// parsed config, the wired Bus and its concrete host capabilities, and
// the optional archive/health-feed collaborators.
type components struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	Bus        *bus.Bus
	Dispatcher *localDispatcher
	Scheduler  *tickerScheduler
	Archive    *archive.DB
	Poller     *healthfeed.Poller
}

// initComponents builds every component from cfg, wiring the bus's host
// capabilities to their real (non-test) implementations.
func initComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}

	dispatcher := newLocalDispatcher()
	scheduler := newTickerScheduler()
	c.Dispatcher = dispatcher
	c.Scheduler = scheduler

	notifier, err := createNotifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	var routerOpts []router.Option
	routerOpts = append(routerOpts, router.WithThresholds(router.Thresholds{
		Routing:  cfg.Health.RoutingThreshold,
		Warning:  cfg.Health.WarningThreshold,
		Critical: cfg.Health.CriticalThreshold,
	}))
	if notifier != nil {
		routerOpts = append(routerOpts, router.WithNotifier(notifier, retry.DefaultPolicy()))
	}

	if _, err := cfg.Server.TickInterval(); err != nil {
		return nil, fmt.Errorf("parsing server.tick_interval: %w", err)
	}

	if _, err := parseDropPolicy(cfg.Queue.DefaultDropPolicy); err != nil {
		return nil, err
	}

	b := bus.New(wallClock{}, newMathRand(), scheduler, logger,
		bus.WithDispatcher(dispatcher),
		bus.WithPrometheus(c.Registry),
		bus.WithRouterOptions(routerOpts...),
		bus.WithDefaultQueueSize(cfg.Queue.DefaultMaxSize),
		bus.WithDefaultReplayBufferSize(cfg.Replay.DefaultSubBufferSize),
		bus.WithMaxEventsPerFrame(cfg.Batch.MaxEventsPerFrame),
		bus.WithCapacityTargets(cfg.Server.TargetEventsPerSecond, cfg.Batch.FrameBudgetMs),
	)
	c.Bus = b

	for _, wd := range cfg.Windows {
		duration, err := wd.Duration()
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", wd.ID, err)
		}
		slide, err := wd.SlideInterval()
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", wd.ID, err)
		}
		if err := b.Window.CreateTimeWindow(window.Config{
			ID:                   wd.ID,
			Duration:             duration.Seconds(),
			SlideInterval:        slide.Seconds(),
			EventFilters:         wd.EventFilters,
			AggregationFunctions: wd.AggregationFunctions,
			MaxEvents:            wd.MaxEvents,
		}); err != nil {
			return nil, fmt.Errorf("creating window %q: %w", wd.ID, err)
		}
	}

	if cfg.Server.HealthFeedURL != "" {
		c.Poller = healthfeed.NewPoller(nil, b.Router, cfg.Server.HealthFeedURL, logger)
	}

	if cfg.Archive.Enabled {
		path := cfg.Archive.Path
		if path == "" {
			path = defaultArchivePath()
		}
		db, err := archive.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		c.Archive = db
	}

	return c, nil
}

func defaultArchivePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eventbus/archive.db"
	}
	return home + "/.eventbus/archive.db"
}

func parseDropPolicy(s string) (queue.DropPolicy, error) {
	switch queue.DropPolicy(s) {
	case queue.DropOldest, queue.DropNewest, queue.Block:
		return queue.DropPolicy(s), nil
	default:
		return "", fmt.Errorf("unsupported drop policy: %q", s)
	}
}

// createNotifier builds a Notifier from the configured webhook URLs, or
// nil if none are configured.
func createNotifier(cfg *config.Config) (notify.Notifier, error) {
	hasSlack := cfg.Notify.SlackWebhook != ""
	hasDiscord := cfg.Notify.DiscordWebhook != ""

	var notifyType string
	switch {
	case hasSlack && hasDiscord:
		notifyType = "both"
	case hasSlack:
		notifyType = "slack"
	case hasDiscord:
		notifyType = "discord"
	default:
		return nil, nil
	}

	return notify.NewNotifier(notifyType, cfg.Notify.SlackWebhook, cfg.Notify.DiscordWebhook)
}

// startMetricsServer serves the wired prometheus registry over HTTP on
// addr until ctx is done, logging but not failing the host on listen
// errors so a busy port doesn't take down the whole process.
func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
