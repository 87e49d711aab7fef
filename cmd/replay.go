package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacklau/eventbus/internal/bus"
	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/replay"
)

var (
	replayEventName string
	replayCount     int
	replaySpeed     float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Inspect and drive replay sessions",
}

var replayWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Seed a replay buffer and watch a session play it back",
	Long: `Watch seeds a replay-enabled subscription with synthetic events, starts a
replay session over its full buffer, and renders a progress bar as the
session advances.`,
	RunE: runReplayWatch,
}

func init() {
	replayWatchCmd.Flags().StringVar(&replayEventName, "event-name", "demo.event", "event name to seed and replay")
	replayWatchCmd.Flags().IntVar(&replayCount, "count", 50, "number of synthetic events to seed into the replay buffer")
	replayWatchCmd.Flags().Float64Var(&replaySpeed, "speed", 4.0, "replay playback speed multiplier")
	replayCmd.AddCommand(replayWatchCmd)
	rootCmd.AddCommand(replayCmd)
}

// noOpHandler is a Handler that always succeeds; replay watch doesn't
// care what the payload contains, only that dispatch reports success so
// the session's position advances.
type noOpHandler struct{}

func (noOpHandler) Invoke(ctx context.Context, payload map[string]any) error { return nil }
func (noOpHandler) StillValid() bool { return true }

func runReplayWatch(cmd *cobra.Command, args []string) error {
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

	ctx := context.Background()

	subID, err := c.Bus.Subscribe(replayEventName, noOpHandler{}, processOwner{id: "replay-watch"}, bus.SubscribeOptions{
		ReplayEnabled:    true,
		ReplayBufferSize: replayCount + 1,
	})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	c.Dispatcher.register(subID, noOpHandler{})
	defer c.Dispatcher.unregister(subID)

	for i := 0; i < replayCount; i++ {
		if _, err := c.Bus.Publish(ctx, replayEventName, busevent.Payload{"seq": i}, busevent.PriorityNormal); err != nil {
			return fmt.Errorf("seeding event %d: %w", i, err)
		}
	}

	sessionID, err := c.Bus.Replay.StartReplaySession(subID, 0, wallClock{}.NowSeconds(), nil, replaySpeed)
	if err != nil {
		return fmt.Errorf("starting replay session: %w", err)
	}

	bar := newProgressBar(replayCount, "replay", cmd.OutOrStdout())
	last := 0
	for {
		c.Bus.Replay.Tick(ctx)
		status, ok := c.Bus.Replay.SessionStatus(sessionID)
		if !ok {
			break
		}
		if status.Position > last {
			bar.Add(status.Position - last)
			last = status.Position
		}
		if status.State != replay.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	bar.Finish()

	if c.Archive != nil {
		status, _ := c.Bus.Replay.SessionStatus(sessionID)
		if err := c.Archive.ArchiveReplaySessionSummary(status, wallClock{}.NowSeconds()); err != nil {
			logger.Warn("archiving replay summary failed")
		}
	}

	return nil
}
