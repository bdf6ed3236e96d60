package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts for a user",
		Run:   runStats,
	}
	addUserFlag(cmd)

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	st, err := m.Stats(cmd.Context(), userID)
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(st)
}
