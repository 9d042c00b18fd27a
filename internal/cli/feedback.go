package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <file.html>",
	Short: "Serve an HTML page, visit it with a headless browser and print the client errors it logged",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedback,
}

func runFeedback(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.shutdown(10 * time.Second)

	fb, err := a.feedbackSandbox()
	if err != nil {
		return err
	}
	out, err := fb.Run(ctx, string(doc))
	if err != nil {
		return err
	}
	if out == "" {
		out = "no client errors reported"
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}
