package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/memory"
	"github.com/rcliao/user-memory/internal/store"
)

const demoUser = "user_12345"

func init() {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through the memory API against a throwaway in-process store",
		Run: func(cmd *cobra.Command, args []string) {
			m := memory.New(store.NewMemStore())
			if err := demo(cmd.Context(), os.Stdout, m); err != nil {
				exitErr("demo", err)
			}
		},
	}

	RootCmd.AddCommand(cmd)
}

func demo(ctx context.Context, w io.Writer, m *memory.Memory) error {
	fmt.Fprintln(w, "1. Storing memories...")
	for _, msg := range []struct{ role, text string }{
		{"user", "Hello, I'm interested in quantum physics"},
		{"assistant", "Great! What aspect interests you most?"},
		{"user", "I want to learn about wave functions"},
	} {
		if _, err := m.RememberConversation(ctx, demoUser, msg.role, msg.text, nil); err != nil {
			return err
		}
	}
	if _, err := m.RememberPreference(ctx, demoUser, "topic", "quantum_physics", "learning"); err != nil {
		return err
	}
	if _, err := m.RememberPreference(ctx, demoUser, "difficulty", "intermediate", "learning"); err != nil {
		return err
	}
	for _, fact := range []string{"User is learning quantum physics", "User prefers intermediate difficulty"} {
		if _, err := m.RememberFact(ctx, demoUser, fact); err != nil {
			return err
		}
	}
	name := "Physics Student"
	if err := m.UpdateProfile(ctx, demoUser, memory.ProfileUpdate{DisplayName: &name}); err != nil {
		return err
	}

	fmt.Fprintln(w, "\n2. Context summary:")
	summary, err := m.GetContextSummary(ctx, demoUser)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))

	fmt.Fprintln(w, "\n3. Searching memories for 'quantum':")
	results, err := m.Search(ctx, demoUser, "quantum", "", 0)
	if err != nil {
		return err
	}
	for _, e := range results {
		fmt.Fprintf(w, "  - %s: %s\n", e.Kind, e.ContentString())
	}

	fmt.Fprintln(w, "\n4. Do I remember this user?")
	if summary.Known && summary.DisplayName != nil {
		fmt.Fprintf(w, "  Yes! Hello %s, good to see you again.\n", *summary.DisplayName)
		fmt.Fprintf(w, "  I remember: %v\n", summary.Facts)
	} else {
		fmt.Fprintln(w, "  No, this is a new user.")
	}
	return nil
}
