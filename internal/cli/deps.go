package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ssuji15/synthgen/internal/component"
	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/db"
	"github.com/ssuji15/synthgen/internal/db/repository"
	"github.com/ssuji15/synthgen/internal/feedback"
	"github.com/ssuji15/synthgen/internal/queue"
	"github.com/ssuji15/synthgen/internal/sandbox"
	sandboxdocker "github.com/ssuji15/synthgen/internal/sandbox/docker"
	dockerservice "github.com/ssuji15/synthgen/internal/service/docker_service"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
)

// app holds the collaborators shared by every subcommand and the shutdown
// hooks that release them.
type app struct {
	cfg        *config.Config
	docker     *dockerservice.DockerService
	events     queue.Queue
	executions *repository.ExecutionRepository
	rc         *goredis.Client

	closers []func(context.Context)
}

// redis dials the shared redis client on first use. It is closed at shutdown
// after nothing else needs it.
func (a *app) redis(ctx context.Context) (*goredis.Client, error) {
	if a.rc != nil {
		return a.rc, nil
	}
	rc, err := component.GetRedisClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.rc = rc
	return rc, nil
}

func (a *app) onShutdown(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// shutdown runs every hook concurrently and gives up after timeout.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, fn := range a.closers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("shutdown complete")
	case <-ctx.Done():
		logger.Log.Warn().Msg("shutdown timed out")
	}

	if a.rc != nil {
		if err := a.rc.Close(); err != nil {
			logger.Log.Warn().Err(err).Msg("redis client close failed")
		}
	}
}

// newApp loads the base config, initialises logging and tracing and dials
// the docker daemon.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LOG_LEVEL = lvl
	}
	logger.Init(cfg.SERVICE_NAME, cfg.LOG_LEVEL)

	a := &app{cfg: cfg}

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			return nil, fmt.Errorf("tracer: %w", err)
		}
		a.onShutdown(func(ctx context.Context) {
			if err := shutdownTracer(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("tracer shutdown failed")
			}
		})
	}

	ds, err := dockerservice.NewDockerService()
	if err != nil {
		a.shutdown(5 * time.Second)
		return nil, err
	}
	a.docker = ds
	a.onShutdown(func(context.Context) {
		if err := ds.Close(); err != nil {
			logger.Log.Warn().Err(err).Msg("docker client close failed")
		}
	})

	events, err := component.GetEvents(cfg.EVENTS_TYPE)
	if err != nil {
		a.shutdown(5 * time.Second)
		return nil, fmt.Errorf("events: %w", err)
	}
	a.events = events
	a.onShutdown(events.ShutDown)

	if cfg.RECORDER_TYPE == "postgres" {
		d, err := db.New(ctx)
		if err != nil {
			a.shutdown(5 * time.Second)
			return nil, err
		}
		if err := d.ApplySchema(ctx); err != nil {
			d.Close()
			a.shutdown(5 * time.Second)
			return nil, err
		}
		a.executions = repository.NewExecutionRepository(d)
		a.onShutdown(func(context.Context) { d.Close() })
	}

	return a, nil
}

// executor builds the sandbox executor with the configured cache, archive
// and recorder.
func (a *app) executor(ctx context.Context) (*sandbox.Executor, error) {
	sc, err := config.GetSandboxConfig()
	if err != nil {
		return nil, fmt.Errorf("sandbox config: %w", err)
	}

	var rc *goredis.Client
	if a.cfg.CACHE_TYPE == "redis" {
		if rc, err = a.redis(ctx); err != nil {
			return nil, err
		}
	}
	c, err := component.GetCache(a.cfg.CACHE_TYPE, rc)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.onShutdown(c.ShutDown)

	st, err := component.GetStorage(ctx, a.cfg.STORAGE_TYPE)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if st != nil {
		a.onShutdown(st.ShutDown)
	}

	opts := sandbox.Options{
		MaxAttempts: sc.MAX_ATTEMPTS,
		RetryDelay:  time.Duration(sc.RETRY_DELAY_MS) * time.Millisecond,
		Cache:       c,
		Storage:     st,
		Events:      a.events,
	}
	if a.executions != nil {
		opts.Recorder = a.executions
	}
	return sandbox.NewExecutor(sandboxdocker.NewRuntime(a.docker, sc), opts)
}

func (a *app) feedbackSandbox() (*feedback.Sandbox, error) {
	wc, err := config.GetWebSandboxConfig()
	if err != nil {
		return nil, fmt.Errorf("web sandbox config: %w", err)
	}
	browser := feedback.NewChromeBrowser(wc.CHROME_PATH, time.Second)
	return feedback.New(a.docker, browser, wc), nil
}
