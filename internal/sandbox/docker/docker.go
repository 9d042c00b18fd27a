package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/sandbox"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

const (
	workspace = "/workspace"
	stateDir  = ".sandbox"
	tmpDir    = ".tmp"
	entryFile = "main.py"
)

// Containers is the subset of the docker service a sandbox needs.
type Containers interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, opts model.CreateOptions) (string, error)
	Exec(ctx context.Context, id string, cmd []string, workDir string) (int, error)
	Teardown(ctx context.Context, id string) error
	GetIP(ctx context.Context, id string) (string, error)
}

// Runtime runs every session in its own container with a private host
// directory bind mounted as the working directory.
type Runtime struct {
	containers   Containers
	cfg          config.SandboxConfig
	http         *http.Client
	pollInterval time.Duration
}

func NewRuntime(c Containers, cfg *config.SandboxConfig) *Runtime {
	return &Runtime{
		containers:   c,
		cfg:          *cfg,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: time.Second,
	}
}

func (r *Runtime) Provision(ctx context.Context, spec sandbox.SessionSpec) (sandbox.Session, error) {
	id := uuid.NewString()
	dir := filepath.Join(r.cfg.WORK_DIR, id)
	s := &session{rt: r, id: id, dir: dir, watchTmp: spec.WatchTmp}
	log := logger.FromContext(ctx).With().Str("session", id).Logger()
	s.log = log

	for _, d := range []string{dir, filepath.Join(dir, stateDir), filepath.Join(dir, tmpDir)} {
		if err := util.EnsureDirExist(d); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		// the container user is not the host user
		if err := os.Chmod(d, 0o777); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}

	if err := r.containers.EnsureImage(ctx, r.cfg.IMAGE); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("ensure image %s: %w", r.cfg.IMAGE, err)
	}

	env := []string{
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
		"PIP_ROOT_USER_ACTION=ignore",
	}
	if spec.WatchTmp {
		env = append(env, "TMPDIR="+workspace+"/"+tmpDir)
	}

	cid, err := r.containers.CreateContainer(ctx, model.CreateOptions{
		Name:            "synthgen-sandbox-" + id,
		Image:           r.cfg.IMAGE,
		Cmd:             []string{"sleep", "infinity"},
		Env:             env,
		WorkDir:         workspace,
		Mounts:          []model.Mount{{Source: dir, Target: workspace}},
		Runtime:         r.cfg.RUNTIME,
		SeccompProfile:  r.cfg.SECCOMP_PROFILE,
		AppArmorProfile: r.cfg.APPARMOR_PROFILE,
		CPUQuota:        r.cfg.CPU_QUOTA,
		MemoryLimit:     r.cfg.MEMORY_BYTES,
		Labels:          map[string]string{"synthgen.session": id},
	})
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	s.containerID = cid
	s.log = log.With().Str("container_id", cid).Logger()
	s.log.Debug().Msg("sandbox provisioned")
	return s, nil
}

type session struct {
	rt          *Runtime
	id          string
	dir         string
	containerID string
	watchTmp    bool
	log         zerolog.Logger
}

func (s *session) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, time.Duration(s.rt.cfg.INSTALL_TIMEOUT)*time.Second)
	defer cancel()

	cmd := append([]string{"sh", "-c", `pip install --no-cache-dir -q "$@" > ` + stateDir + `/pip.log 2>&1`, "sh"}, packages...)
	code, err := s.rt.containers.Exec(ictx, s.containerID, cmd, workspace)
	if err != nil {
		return fmt.Errorf("pip install: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("pip install exited with %d: %s", code, s.tail("pip.log"))
	}
	return nil
}

type runResult struct {
	code int
	err  error
}

func (s *session) Run(ctx context.Context, code string) (*sandbox.Outcome, error) {
	if err := os.WriteFile(filepath.Join(s.dir, entryFile), []byte(code), 0o644); err != nil {
		return nil, err
	}
	before, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	portsBefore, err := s.listeningPorts(ctx)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, time.Duration(s.rt.cfg.RUN_TIMEOUT)*time.Second)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		script := "python " + entryFile + " > " + stateDir + "/stdout 2> " + stateDir + "/stderr"
		c, err := s.rt.containers.Exec(rctx, s.containerID, []string{"sh", "-c", script}, workspace)
		done <- runResult{code: c, err: err}
	}()

	ticker := time.NewTicker(s.rt.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return nil, fmt.Errorf("run %s: %w", entryFile, res.err)
			}
			return s.collect(ctx, res.code, before, portsBefore)
		case <-ticker.C:
			// a served app never exits; the first new listener is the artifact
			ports, err := s.listeningPorts(rctx)
			if err != nil {
				continue
			}
			if opened := newPorts(portsBefore, ports); len(opened) > 0 {
				s.log.Debug().Ints("ports", opened).Msg("code opened a port")
				return &sandbox.Outcome{Ports: opened}, nil
			}
		case <-rctx.Done():
			return nil, fmt.Errorf("run %s: %w", entryFile, rctx.Err())
		}
	}
}

func (s *session) collect(ctx context.Context, exitCode int, before map[string]fileStamp, portsBefore []int) (*sandbox.Outcome, error) {
	out := &sandbox.Outcome{}
	if exitCode != 0 {
		out.Traceback = s.tail("stderr")
		if out.Traceback == "" {
			out.Traceback = fmt.Sprintf("process exited with status %d", exitCode)
		}
		return out, nil
	}

	if ports, err := s.listeningPorts(ctx); err == nil {
		out.Ports = newPorts(portsBefore, ports)
	}

	after, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	for rel, st := range after {
		if prev, ok := before[rel]; ok && prev == st {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, rel))
		if err != nil {
			return nil, err
		}
		out.Files = append(out.Files, sandbox.File{Name: rel, Data: data})
	}
	return out, nil
}

func (s *session) Fetch(ctx context.Context, port int) (int, []byte, error) {
	ip, err := s.rt.containers.GetIP(ctx, s.containerID)
	if err != nil {
		return 0, nil, err
	}
	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.rt.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// Close removes the container and the session directory. It tolerates a
// session that was only partially provisioned.
func (s *session) Close(ctx context.Context) error {
	var errs []error
	if s.containerID != "" {
		// files written by the container user must stay removable by us
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, _ = s.rt.containers.Exec(cctx, s.containerID, []string{"chmod", "-R", "a+rwX", workspace}, workspace)
		cancel()
		if err := s.rt.containers.Teardown(ctx, s.containerID); err != nil {
			errs = append(errs, fmt.Errorf("teardown container: %w", err))
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove session dir: %w", err))
	}
	return errors.Join(errs...)
}

func (s *session) listeningPorts(ctx context.Context) ([]int, error) {
	script := "cat /proc/net/tcp /proc/net/tcp6 > " + stateDir + "/tcp 2>/dev/null; true"
	if _, err := s.rt.containers.Exec(ctx, s.containerID, []string{"sh", "-c", script}, workspace); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, stateDir, "tcp"))
	if err != nil {
		return nil, err
	}
	return parseListeningPorts(data), nil
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// snapshot lists the files the code may have produced, keyed by path
// relative to the session directory.
func (s *session) snapshot() (map[string]fileStamp, error) {
	files := make(map[string]fileStamp)
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == stateDir || (rel == tmpDir && !s.watchTmp) {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == entryFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files[rel] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return files, err
}

// tail returns at most the last 8KiB of a file in the state directory.
func (s *session) tail(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, stateDir, name))
	if err != nil {
		return ""
	}
	const limit = 8 << 10
	if len(data) > limit {
		data = data[len(data)-limit:]
	}
	return string(data)
}
