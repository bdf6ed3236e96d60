package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/model"
)

func init() {
	recall := &cobra.Command{
		Use:   "recall",
		Short: "List a user's memories, most recent first",
		Run:   runRecall,
	}
	addUserFlag(recall)
	recall.Flags().String("kind", "", "Filter by kind")
	recall.Flags().IntP("limit", "l", 50, "Max results")

	conversations := &cobra.Command{
		Use:   "conversations",
		Short: "List a user's recent conversation messages",
		Run:   runConversations,
	}
	addUserFlag(conversations)
	conversations.Flags().IntP("limit", "l", 20, "Max results")

	preferences := &cobra.Command{
		Use:   "preferences",
		Short: "Show a user's current preferences",
		Run:   runPreferences,
	}
	addUserFlag(preferences)

	facts := &cobra.Command{
		Use:   "facts",
		Short: "Show the facts known about a user",
		Run:   runFacts,
	}
	addUserFlag(facts)

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a user's memories by keyword",
		Long:  "Case-insensitive substring search over memory content, most recent first.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	addUserFlag(search)
	search.Flags().String("kind", "", "Filter by kind")
	search.Flags().IntP("limit", "l", 10, "Max results")

	RootCmd.AddCommand(recall, conversations, preferences, facts, search)
}

func runRecall(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	kindStr, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("recall", err)
	}

	m, closeFn := openMemory()
	defer closeFn()

	entries, err := m.Recall(cmd.Context(), userID, kind, limit)
	if err != nil {
		exitErr("recall", err)
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	printJSON(entries)
}

func runConversations(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")

	m, closeFn := openMemory()
	defer closeFn()

	convs, err := m.RecallConversations(cmd.Context(), userID, limit)
	if err != nil {
		exitErr("conversations", err)
	}
	printJSON(convs)
}

func runPreferences(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	prefs, err := m.RecallPreferences(cmd.Context(), userID)
	if err != nil {
		exitErr("preferences", err)
	}
	printJSON(prefs)
}

func runFacts(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	facts, err := m.RecallFacts(cmd.Context(), userID)
	if err != nil {
		exitErr("facts", err)
	}
	printJSON(facts)
}

func runSearch(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	kindStr, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("search", err)
	}

	m, closeFn := openMemory()
	defer closeFn()

	results, err := m.Search(cmd.Context(), userID, joinArgs(args), kind, limit)
	if err != nil {
		exitErr("search", err)
	}
	if results == nil {
		results = []model.Entry{}
	}
	printJSON(results)
}
