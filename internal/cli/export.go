package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/memory"
)

func init() {
	export := &cobra.Command{
		Use:   "export",
		Short: "Export a user's memories as JSON",
		Long:  "Export a user's profile and live memories as one JSON document.",
		Run:   runExport,
	}
	addUserFlag(export)

	imp := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON on stdin. Expects the format produced by export.",
		Run:   runImport,
	}

	RootCmd.AddCommand(export, imp)
}

func runExport(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	x, err := m.Export(cmd.Context(), userID)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(x)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var x memory.UserExport
	if err := json.Unmarshal(data, &x); err != nil {
		exitErr("parse json", err)
	}

	m, closeFn := openMemory()
	defer closeFn()

	imported, err := m.Import(cmd.Context(), &x)
	if err != nil {
		exitErr("import", err)
	}
	printJSON(map[string]any{"ok": true, "user_id": x.UserID, "imported": imported})
}
