// Package cli implements the user-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/user-memory/internal/config"
	"github.com/rcliao/user-memory/internal/logging"
	"github.com/rcliao/user-memory/internal/memory"
)

var (
	configPath  string
	backendFlag string
	dbPath      string
	redisURL    string
	logLevel    string

	// activeConfig is the config resolved once by the root pre-run.
	activeConfig *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "user-memory",
	Short: "Per-user memory for agents",
	Long:  "Remembers conversations, preferences and facts per user. Memory, SQLite or Redis backed.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		activeConfig = cfg
		logger := logging.New(cfg.LogLevel, os.Stderr)
		logging.SetDefault(logger)
		cmd.SetContext(logging.With(cmd.Context(), logger))
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	RootCmd.PersistentFlags().StringVarP(&backendFlag, "backend", "b", "", "Backend: memory, sqlite or redis (default: $USER_MEMORY_BACKEND or sqlite)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite path (default: $USER_MEMORY_DB or ~/.user-memory/memory.db)")
	RootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (default: $REDIS_URL or redis://localhost:6379)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// openMemory opens the configured backend. The returned func closes it.
func openMemory() (*memory.Memory, func()) {
	cfg := activeConfig
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			exitErr("load config", err)
		}
	}
	s, err := cfg.OpenStore()
	if err != nil {
		exitErr("open store", err)
	}
	return memory.New(s), func() { s.Close() }
}

func addUserFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("user")
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func parseTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// parseObject decodes a JSON object flag. Empty input yields nil.
func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return v, nil
}

// parseValue decodes s as JSON when it is valid JSON and keeps it as a plain
// string otherwise.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// readContent takes content from the positional args or piped stdin. A JSON
// object is stored as is; any other text becomes {"text": ...}.
func readContent(args []string) map[string]any {
	var raw string
	if len(args) > 0 {
		raw = joinArgs(args)
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			raw = string(b)
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		exitErr("content", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	if obj, err := parseObject(raw); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"text": raw}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
