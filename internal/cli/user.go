package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/memory"
)

func init() {
	forgetUser := &cobra.Command{
		Use:   "forget-user",
		Short: "Erase every memory and the profile of a user",
		Run:   runForgetUser,
	}
	addUserFlag(forgetUser)

	profile := &cobra.Command{
		Use:   "profile",
		Short: "Show a user's profile",
		Run:   runProfile,
	}
	addUserFlag(profile)

	updateProfile := &cobra.Command{
		Use:   "update-profile",
		Short: "Update a user's display name, tags or metadata",
		Long:  "Update profile fields. Only flags that are passed change anything; metadata is merged key by key.",
		Run:   runUpdateProfile,
	}
	addUserFlag(updateProfile)
	updateProfile.Flags().String("name", "", "Display name")
	updateProfile.Flags().StringP("tags", "t", "", "Comma-separated tags (replaces existing)")
	updateProfile.Flags().String("meta", "", "JSON metadata to merge")

	contextCmd := &cobra.Command{
		Use:   "context",
		Short: "Show the context summary handed to an agent",
		Run:   runContext,
	}
	addUserFlag(contextCmd)

	hash := &cobra.Command{
		Use:   "hash <identifier>",
		Short: "Derive a stable user id from an identifier such as an email",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(map[string]string{"user_id": memory.UserHash(args[0])})
		},
	}

	RootCmd.AddCommand(forgetUser, profile, updateProfile, contextCmd, hash)
}

func runForgetUser(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	count, err := m.ForgetUser(cmd.Context(), userID)
	if err != nil {
		exitErr("forget-user", err)
	}
	printJSON(map[string]any{"ok": true, "user_id": userID, "deleted": count})
}

func runProfile(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	p, err := m.GetProfile(cmd.Context(), userID)
	if err != nil {
		exitErr("profile", err)
	}
	printJSON(p)
}

func runUpdateProfile(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	var u memory.ProfileUpdate
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		u.DisplayName = &name
	}
	if cmd.Flags().Changed("tags") {
		tagsStr, _ := cmd.Flags().GetString("tags")
		u.Tags = parseTags(tagsStr)
		if u.Tags == nil {
			u.Tags = []string{}
		}
	}
	metaStr, _ := cmd.Flags().GetString("meta")
	meta, err := parseObject(metaStr)
	if err != nil {
		exitErr("parse meta", err)
	}
	u.Metadata = meta

	m, closeFn := openMemory()
	defer closeFn()

	if err := m.UpdateProfile(cmd.Context(), userID, u); err != nil {
		exitErr("update-profile", err)
	}
	p, err := m.GetProfile(cmd.Context(), userID)
	if err != nil {
		exitErr("profile", err)
	}
	printJSON(p)
}

func runContext(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")

	m, closeFn := openMemory()
	defer closeFn()

	summary, err := m.GetContextSummary(cmd.Context(), userID)
	if err != nil {
		exitErr("context", err)
	}
	printJSON(summary)
}
