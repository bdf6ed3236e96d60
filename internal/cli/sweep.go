package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/logging"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired memories",
		Long:  "Remove expired memories once, or every --interval until interrupted. Redis expires keys itself, so there it is a no-op.",
		Run:   runSweep,
	}
	cmd.Flags().Duration("interval", 0, "Keep sweeping at this interval (e.g. 10m)")

	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	interval, _ := cmd.Flags().GetDuration("interval")

	m, closeFn := openMemory()
	defer closeFn()

	if interval <= 0 {
		n, err := m.Sweep(cmd.Context())
		if err != nil {
			exitErr("sweep", err)
		}
		printJSON(map[string]any{"ok": true, "swept": n})
		return
	}

	logging.From(cmd.Context()).Info("sweeper started", "interval", interval)
	err := m.RunSweeper(cmd.Context(), interval)
	if err != nil && !errors.Is(err, context.Canceled) {
		exitErr("sweep", err)
	}
}
