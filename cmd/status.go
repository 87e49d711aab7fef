package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Dump a JSON snapshot of every subsystem's status",
	Long: `Status loads the configured bus (without starting its tick loop),
then prints a defensive-copy JSON snapshot of the throughput monitor,
backpressure controller, persistent queue, health-aware router, replay
sessions, and time windows.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// busSnapshot is the top-level shape printed by `eventbusctl status`: one
// key per subsystem, each holding that subsystem's own defensive-copy
// status dictionary.
type busSnapshot struct {
	Monitor      any `json:"monitor"`
	Backpressure any `json:"backpressure"`
	Queue        any `json:"queue"`
	Router       any `json:"router"`
	Replay       any `json:"replay"`
	Windows      any `json:"windows"`
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	snapshot := busSnapshot{
		Monitor:      c.Bus.Monitor.Status(),
		Backpressure: c.Bus.Backpressure.Status(),
		Queue:        c.Bus.Queue.AllMetrics(),
		Router:       c.Bus.Router.AllStatuses(),
		Replay:       replaySessionSnapshots(c),
		Windows:      c.Bus.Window.GetAllWindowSummaries(),
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// replaySessionSnapshots collects the archived replay summaries kept on
// disk, since the in-memory replay system only exposes status by session
// id and this command doesn't track which session ids are currently
// active (only replay watch holds the id of the session it started).
func replaySessionSnapshots(c *components) any {
	if c.Archive == nil {
		return []any{}
	}
	summaries, err := c.Archive.RecentReplaySummaries(50)
	if err != nil {
		return []any{}
	}
	return summaries
}
