package feedback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/metrics"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

const (
	mountPoint = "/untrusted"
	indexFile  = "index.html"
	logFile    = "app.log"
)

// Containers is the subset of the docker service the web sandbox needs.
type Containers interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, opts model.CreateOptions) (string, error)
	Teardown(ctx context.Context, id string) error
}

// Sandbox serves an HTML document from a throwaway container, visits it with
// a headless browser and returns the client errors the page reported.
type Sandbox struct {
	containers Containers
	browser    Browser
	cfg        config.WebSandboxConfig

	mu       sync.Mutex
	reserved map[int]struct{}
}

func New(c Containers, b Browser, cfg *config.WebSandboxConfig) *Sandbox {
	return &Sandbox{
		containers: c,
		browser:    b,
		cfg:        *cfg,
		reserved:   make(map[int]struct{}),
	}
}

// Run returns the error log written while the page was visited. An empty
// string means the page reported nothing. The container and its port are
// released on every path.
func (s *Sandbox) Run(ctx context.Context, doc string) (feedback string, err error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Feedback/Run")
	defer span.End()

	runID := uuid.NewString()
	log := logger.FromContext(ctx).With().Str("run_id", runID).Logger()

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			util.RecordSpanError(span, err)
		}
		metrics.FeedbackRuns.WithLabelValues(outcome).Inc()
	}()

	injected, ok, err := InjectErrorLogging(doc)
	if err != nil {
		return "", fmt.Errorf("inject error logging: %w", err)
	}
	if !ok {
		log.Warn().Msg("no <html> tag found, serving document unchanged")
	}

	dir := filepath.Join(s.cfg.WORK_DIR, runID)
	if err := util.EnsureDirExist(dir); err != nil {
		return "", err
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			log.Warn().Err(rerr).Msg("unable to remove feedback dir")
		}
	}()
	if err := os.Chmod(dir, 0o777); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, indexFile), []byte(injected), 0o644); err != nil {
		return "", err
	}
	logPath := filepath.Join(dir, logFile)
	if err := os.WriteFile(logPath, nil, 0o666); err != nil {
		return "", err
	}
	// umask strips the write bit WriteFile asked for
	if err := os.Chmod(logPath, 0o666); err != nil {
		return "", err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}

	port, err := s.reservePort()
	if err != nil {
		return "", err
	}
	defer s.releasePort(port)
	log = log.With().Int("port", port).Logger()

	if err := s.containers.EnsureImage(ctx, s.cfg.IMAGE); err != nil {
		return "", fmt.Errorf("ensure image %s: %w", s.cfg.IMAGE, err)
	}
	cid, err := s.containers.CreateContainer(ctx, model.CreateOptions{
		Name:        "web-sandbox-container-" + runID,
		Image:       s.cfg.IMAGE,
		Env:         []string{"PORT=" + strconv.Itoa(port)},
		Mounts:      []model.Mount{{Source: dir, Target: mountPoint}},
		HostNetwork: true,
		Labels:      map[string]string{"synthgen.feedback": runID},
	})
	if err != nil {
		return "", fmt.Errorf("create web sandbox: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if terr := s.containers.Teardown(tctx, cid); terr != nil {
			log.Error().Err(terr).Str("container_id", cid).Msg("unable to stop web sandbox")
		}
	}()

	if err := sleep(ctx, time.Duration(s.cfg.BROWSER_DELAY_MS)*time.Millisecond); err != nil {
		return "", err
	}

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/"
	if err := s.browser.Visit(ctx, url); err != nil {
		return "", fmt.Errorf("visit %s: %w", url, err)
	}

	if err := awaitWrite(ctx, watcher, logPath, time.Duration(s.cfg.LOG_WAIT_MS)*time.Millisecond); err != nil {
		return "", err
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", logFile, err)
	}
	if err := os.Truncate(logPath, 0); err != nil {
		log.Warn().Err(err).Msg("unable to clear feedback log")
	}

	log.Info().Int("bytes", len(data)).Msg("collected browser feedback")
	return string(data), nil
}

// awaitWrite returns once path has content, a write to it is observed or
// wait elapses. A page that reports nothing never writes, so elapsing is not
// an error.
func awaitWrite(ctx context.Context, w *fsnotify.Watcher, path string, wait time.Duration) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l := logger.FromContext(ctx)
			l.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (s *Sandbox) reservePort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.cfg.PORT_MIN
	for start <= s.cfg.PORT_MAX {
		port, err := util.FindFreePort(start, s.cfg.PORT_MAX)
		if err != nil {
			return 0, err
		}
		if _, taken := s.reserved[port]; !taken {
			s.reserved[port] = struct{}{}
			return port, nil
		}
		start = port + 1
	}
	return 0, fmt.Errorf("%w %d-%d", util.ErrNoFreePort, s.cfg.PORT_MIN, s.cfg.PORT_MAX)
}

func (s *Sandbox) releasePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, port)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

