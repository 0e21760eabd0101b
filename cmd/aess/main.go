// AESS - Agentic Employee Support Server
package main

import (
	"log/slog"
	"os"

	"github.com/ashureev/aess/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:           "aess",
		Short:         "Agentic employee support server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			if cmd.Name() == "serve" {
				logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			}
			slog.SetDefault(logger)

			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(),
		newSessionsCommand(),
		newUsersCommand(),
		newResponderCommand(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}
