package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/ssuji15/synthgen/internal/cli.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "synthgen %s\n", Version)
		fmt.Fprintf(out, "  commit:     %s\n", GitCommit)
		fmt.Fprintf(out, "  built:      %s\n", BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", runtime.Version())
	},
}
