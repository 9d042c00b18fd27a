package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssuji15/synthgen/internal/sandbox"
	"github.com/ssuji15/synthgen/internal/service/logger"
)

var execCmd = &cobra.Command{
	Use:   "exec <file.py>",
	Short: "Run a Python program in the sandbox and write the artifact it produces",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func init() {
	execCmd.Flags().StringP("out", "o", "", "write the artifact HTML here instead of stdout")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.shutdown(10 * time.Second)

	ex, err := a.executor(ctx)
	if err != nil {
		return err
	}

	art, err := ex.Execute(ctx, sandbox.Request{Code: string(code)})
	if err != nil {
		return err
	}
	logger.Log.Info().
		Str("source", art.Source).
		Int("attempts", art.Attempts).
		Bool("cached", art.Cached).
		Msg("artifact produced")

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), art.HTML)
		return err
	}
	return os.WriteFile(out, []byte(art.HTML), 0o644)
}
