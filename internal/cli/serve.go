package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/synthgen/internal/component"
	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/generator"
	"github.com/ssuji15/synthgen/internal/llm"
	"github.com/ssuji15/synthgen/internal/metrics"
	"github.com/ssuji15/synthgen/internal/pool"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/web"
	"github.com/ssuji15/synthgen/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background pool that keeps the queue filled",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().Int("target", -1, "number of items the pool keeps queued (overrides POOL_TARGET_SIZE)")
	serveCmd.Flags().Int("workers", 0, "pool workers in this process (overrides POOL_NUM_WORKERS)")
	serveCmd.Flags().Duration("request-timeout", 10*time.Minute, "upper bound for one API request")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.shutdown(10 * time.Second)

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		a.cfg.HTTP_ADDR = addr
	}
	pc, err := config.GetPoolConfig()
	if err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if n, _ := cmd.Flags().GetInt("target"); n >= 0 {
		pc.TARGET_SIZE = n
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		pc.NUM_WORKERS = n
	}
	lc, err := config.GetLLMConfig()
	if err != nil {
		return fmt.Errorf("llm config: %w", err)
	}

	metrics.StartMetricsServer(ctx, a.cfg.METRICS_ADDR)

	ex, err := a.executor(ctx)
	if err != nil {
		return err
	}
	fb, err := a.feedbackSandbox()
	if err != nil {
		return err
	}
	gen, err := generator.New(llm.NewClient(lc), ex, fb, generator.Options{
		GeneratorModel: lc.GENERATOR_MODEL,
		AnswerModels:   lc.ANSWER_MODELS,
		MaxRepairs:     lc.MAX_REPAIRS,
		Language:       model.Python,
	})
	if err != nil {
		return err
	}

	rc, err := a.redis(ctx)
	if err != nil {
		return err
	}
	store := component.GetWorkQueue(rc)
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("work queue: %w", err)
	}
	a.onShutdown(store.ShutDown)

	p, err := pool.New(store, gen.Produce, pool.Options{
		TargetSize: int64(pc.TARGET_SIZE),
		NumWorkers: pc.NUM_WORKERS,
		Backoff:    time.Duration(pc.BACKOFF_MS) * time.Millisecond,
		Events:     a.events,
	})
	if err != nil {
		return err
	}
	poolDone := make(chan error, 1)
	go func() { poolDone <- p.Run(ctx) }()

	timeout, _ := cmd.Flags().GetDuration("request-timeout")
	opts := web.Options{
		PoolLanguage:   model.Python,
		RequestTimeout: timeout,
		Workers:        p,
	}
	if a.executions != nil {
		opts.Executions = a.executions
	}
	server := web.NewServer(store, gen, p, opts)

	srv := &http.Server{
		Addr:              a.cfg.HTTP_ADDR,
		Handler:           otelhttp.NewHandler(server.Router(), "synthgen.api"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Log.Error().Err(err).Msg("http server error")
	}
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Log.Error().Err(serr).Msg("graceful shutdown failed")
	}

	// workers release their counter slots before the store is closed
	stop()
	p.Stop()
	if perr := <-poolDone; perr != nil {
		logger.Log.Error().Err(perr).Msg("pool stopped with error")
	}
	return err
}
