// Package main provides the rice-eval binary: the evaluation task scheduler,
// its HTTP API and offline tooling over the task store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rice-eval",
		Short: "Rice Eval - retrieval evaluation scheduler",
		Long: `Rice Eval runs retrieval effectiveness evaluations against a search engine.

Tasks are queued in a persistent store and processed one at a time: topics are
sent to the engine, rankings are scored against relevance judgments and the
metrics are stored with the task. Remote submission tasks push rankings to a
living-labs style judging service instead.

Run 'rice-eval serve' to start the scheduler with its HTTP API.
Run 'rice-eval --help' for available commands.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		enqueueCmd(),
		tasksCmd(),
		exportCmd(),
		summaryCmd(),
		concordanceCmd(),
		eventsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rice-eval %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
