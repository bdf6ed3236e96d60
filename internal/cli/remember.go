package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/memory"
	"github.com/rcliao/user-memory/internal/model"
)

func init() {
	remember := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a memory for a user",
		Long:  "Store a memory. Content can be a JSON object or plain text, as a positional arg or piped via stdin.",
		Run:   runRemember,
	}
	addUserFlag(remember)
	remember.Flags().String("kind", "context", "Kind: conversation, preference, context, fact, interaction, task_history")
	remember.Flags().Float64P("importance", "i", 1.0, "Importance between 0 and 1")
	remember.Flags().Duration("ttl", 0, "Expire after this duration (e.g. 24h)")
	remember.Flags().StringP("tags", "t", "", "Comma-separated tags")
	remember.Flags().String("meta", "", "JSON metadata")

	conversation := &cobra.Command{
		Use:   "conversation [message]",
		Short: "Store a conversation message",
		Args:  cobra.MinimumNArgs(1),
		Run:   runConversation,
	}
	addUserFlag(conversation)
	conversation.Flags().StringP("role", "r", "user", "Speaker role")
	conversation.Flags().String("meta", "", "JSON metadata")

	preference := &cobra.Command{
		Use:   "preference <key> <value>",
		Short: "Set a user preference",
		Long:  "Set a user preference. Values that parse as JSON are stored typed, anything else as a string.",
		Args:  cobra.ExactArgs(2),
		Run:   runPreference,
	}
	addUserFlag(preference)
	preference.Flags().String("category", "general", "Preference category")

	fact := &cobra.Command{
		Use:   "fact [fact]",
		Short: "Record a fact about a user",
		Args:  cobra.MinimumNArgs(1),
		Run:   runFact,
	}
	addUserFlag(fact)
	fact.Flags().Float64("confidence", 1.0, "Confidence between 0 and 1")
	fact.Flags().String("source", "conversation", "Where the fact came from")

	RootCmd.AddCommand(remember, conversation, preference, fact)
}

func runRemember(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	kindStr, _ := cmd.Flags().GetString("kind")
	importance, _ := cmd.Flags().GetFloat64("importance")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	tagsStr, _ := cmd.Flags().GetString("tags")
	metaStr, _ := cmd.Flags().GetString("meta")

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("remember", err)
	}
	if kind == "" {
		kind = model.KindContext
	}
	meta, err := parseObject(metaStr)
	if err != nil {
		exitErr("parse meta", err)
	}
	content := readContent(args)

	m, closeFn := openMemory()
	defer closeFn()

	id, err := m.Remember(cmd.Context(), userID, content,
		memory.WithKind(kind),
		memory.WithImportance(importance),
		memory.WithTTL(ttl),
		memory.WithTags(parseTags(tagsStr)...),
		memory.WithMetadata(meta),
	)
	if err != nil {
		exitErr("remember", err)
	}
	printJSON(map[string]any{"ok": true, "id": id})
}

func runConversation(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	metaStr, _ := cmd.Flags().GetString("meta")

	meta, err := parseObject(metaStr)
	if err != nil {
		exitErr("parse meta", err)
	}

	m, closeFn := openMemory()
	defer closeFn()

	id, err := m.RememberConversation(cmd.Context(), userID, role, joinArgs(args), meta)
	if err != nil {
		exitErr("conversation", err)
	}
	printJSON(map[string]any{"ok": true, "id": id})
}

func runPreference(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	category, _ := cmd.Flags().GetString("category")

	m, closeFn := openMemory()
	defer closeFn()

	id, err := m.RememberPreference(cmd.Context(), userID, args[0], parseValue(args[1]), category)
	if err != nil {
		exitErr("preference", err)
	}
	printJSON(map[string]any{"ok": true, "id": id})
}

func runFact(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	source, _ := cmd.Flags().GetString("source")

	m, closeFn := openMemory()
	defer closeFn()

	id, err := m.RememberFact(cmd.Context(), userID, joinArgs(args),
		memory.WithConfidence(confidence),
		memory.WithSource(source),
	)
	if err != nil {
		exitErr("fact", err)
	}
	printJSON(map[string]any{"ok": true, "id": id})
}
