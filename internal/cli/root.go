package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "synthgen",
	Short:        "Synthetic coding dataset generator backed by a pre-filled work queue",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/synthgen/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug | info | warn | error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(versionCmd)
}
