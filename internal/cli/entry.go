package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve one memory by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	update := &cobra.Command{
		Use:   "update <id> [content]",
		Short: "Replace a memory's content",
		Args:  cobra.MinimumNArgs(1),
		Run:   runUpdate,
	}

	forget := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete one memory",
		Args:  cobra.ExactArgs(1),
		Run:   runForget,
	}

	RootCmd.AddCommand(get, update, forget)
}

func runGet(cmd *cobra.Command, args []string) {
	m, closeFn := openMemory()
	defer closeFn()

	e, err := m.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	if e == nil {
		exitErr("get", fmt.Errorf("memory %s not found", args[0]))
	}
	printJSON(e)
}

func runUpdate(cmd *cobra.Command, args []string) {
	content := readContent(args[1:])

	m, closeFn := openMemory()
	defer closeFn()

	ok, err := m.Update(cmd.Context(), args[0], content)
	if err != nil {
		exitErr("update", err)
	}
	if !ok {
		exitErr("update", fmt.Errorf("memory %s not found", args[0]))
	}
	printJSON(map[string]any{"ok": true, "id": args[0]})
}

func runForget(cmd *cobra.Command, args []string) {
	m, closeFn := openMemory()
	defer closeFn()

	ok, err := m.Forget(cmd.Context(), args[0])
	if err != nil {
		exitErr("forget", err)
	}
	printJSON(map[string]any{"ok": ok, "id": args[0]})
}
