package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:   "resizer",
		Short: "Resize uploaded images and announce the results",
		Long: `resizer consumes object-created notifications from a queue, writes a bounded
rendition of each uploaded image to the derived store and publishes a
completion event with a link to it.

Configuration is read from the environment; run "resizer env" for the list.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(envFiles) == 0 {
				if _, err := os.Stat(".env"); err == nil {
					envFiles = []string{".env"}
				}
			}
			if len(envFiles) > 0 {
				// variables already set in the process win over the files
				if err := godotenv.Load(envFiles...); err != nil {
					return fmt.Errorf("failed to load env files: %w", err)
				}
				slog.Debug("loaded env files", "files", envFiles)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env when present)")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewProcessCommand())
	rootCmd.AddCommand(NewDeriveKeyCommand())
	rootCmd.AddCommand(NewEnvCommand())

	return rootCmd
}
