// Package main implements the ingestd CLI: one-shot ingestion, search,
// purge and backfill, plus the serve daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Ingest web pages and documents into per-tenant vector indexes",
	Long: `ingestd acquires content from a URL crawl or local files, chunks and
embeds it, and writes a per-tenant vector index with a retention window.

Configuration is read from ~/.config/ingestd/config.yaml (or --config) and
INGESTD_-prefixed environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ingestd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// runFailedError marks a pipeline run that completed with status failed.
// The result has already been printed, so only the exit code matters.
type runFailedError struct{ msg string }

func (e *runFailedError) Error() string { return "run failed: " + e.msg }

func exitCode(err error) int {
	if _, ok := err.(*runFailedError); !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ingestd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
