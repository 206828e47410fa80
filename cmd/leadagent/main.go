// Command leadagent runs the WhatsApp lead qualification assistant and its
// scheduling tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	initializeLogger("debug")

	if err := godotenv.Load(); err != nil {
		slog.Debug("main: no .env file loaded", "error", err)
	}

	if err := newRootCmd(loadEnvironmentConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initializeLogger installs a text slog handler at the named level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func newRootCmd(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "leadagent",
		Short:         "WhatsApp lead qualification assistant with meeting scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cfg.LogLevel)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for the database, lock and WhatsApp session (overrides $LEADAGENT_STATE_DIR)")
	flags.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	flags.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "scheduling policy YAML file (overrides $SCHEDULING_POLICY_FILE)")
	flags.StringVar(&cfg.CalendarMode, "calendar", cfg.CalendarMode, "calendar backend: graph or memory (overrides $CALENDAR_MODE)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	// Subcommands read cfg after flag parsing, so they share the pointer.
	root.AddCommand(
		newServeCmd(&cfg),
		newSlotsCmd(&cfg),
		newMigrateCmd(&cfg),
		newWhatsAppLoginCmd(&cfg),
	)
	return root
}
