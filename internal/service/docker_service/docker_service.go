package dockerservice

import (
	"context"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

const execPollInterval = 200 * time.Millisecond

type DockerService struct {
	docker *client.Client
}

func NewDockerService() (*DockerService, error) {
	dc, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerService{
		docker: dc,
	}, nil
}

// EnsureImage pulls ref unless it is already present locally.
func (d *DockerService) EnsureImage(ctx context.Context, ref string) error {
	_, err := d.docker.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	logger.Log.Info().Str("image", ref).Msg("pulling image")
	resp, err := d.docker.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer resp.Close()
	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

// CreateContainer creates and starts a container. A container that fails to
// start is removed before returning.
func (d *DockerService) CreateContainer(ctx context.Context, opts model.CreateOptions) (string, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Docker/CreateContainer")
	defer span.End()

	networkMode := container.NetworkMode(network.NetworkDefault)
	switch {
	case opts.HostNetwork:
		networkMode = container.NetworkMode("host")
	case opts.NoNetwork:
		networkMode = container.NetworkMode(network.NetworkNone)
	}

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var securityOpt []string
	if opts.SeccompProfile != "" {
		so, err := util.SeccompSecurityOpt(opts.SeccompProfile)
		if err != nil {
			util.RecordSpanError(span, err)
			return "", err
		}
		securityOpt = append(securityOpt, so)
	}
	if opts.AppArmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+opts.AppArmorProfile)
	}
	securityOpt = append(securityOpt, "no-new-privileges")

	pl := opts.PidsLimit
	if pl <= 0 {
		pl = 128
	}
	hostCfg := &container.HostConfig{
		Runtime:     opts.Runtime,
		NetworkMode: networkMode,
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  opts.CPUQuota,
			Memory:    opts.MemoryLimit,
			PidsLimit: &pl,
		},
		Tmpfs: map[string]string{
			"/tmp":     "rw,exec,nosuid,mode=0777,size=67108864",
			"/var/tmp": "rw,exec,nosuid,mode=0777,size=67108864",
		},
		Mounts:      mounts,
		SecurityOpt: securityOpt,
	}
	cfg := &container.Config{
		Image:      opts.Image,
		Labels:     opts.Labels,
		User:       opts.User,
		Cmd:        opts.Cmd,
		WorkingDir: opts.WorkDir,
		Env:        opts.Env,
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             opts.Name,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		util.RecordSpanError(span, err)
		_, _ = d.RemoveContainer(context.WithoutCancel(ctx), created.ID)
		return "", err
	}
	return created.ID, nil
}

// Exec runs cmd inside a running container and waits for it to exit. It
// returns the exit code, or ctx.Err() when ctx ends first.
func (d *DockerService) Exec(ctx context.Context, id string, cmd []string, workDir string) (int, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Docker/Exec")
	defer span.End()

	created, err := d.docker.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: false,
		AttachStderr: false,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return -1, fmt.Errorf("exec create: %w", err)
	}
	if _, err := d.docker.ExecStart(ctx, created.ID, client.ExecStartOptions{Detach: true}); err != nil {
		util.RecordSpanError(span, err)
		return -1, fmt.Errorf("exec start: %w", err)
	}

	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		res, err := d.docker.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
		if err != nil {
			util.RecordSpanError(span, err)
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !res.Running {
			return res.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			util.RecordSpanError(span, ctx.Err())
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *DockerService) StopContainer(ctx context.Context, id string) (client.ContainerStopResult, error) {
	timeout := 0
	return d.docker.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
}

func (d *DockerService) RemoveContainer(ctx context.Context, id string) (client.ContainerRemoveResult, error) {
	return d.docker.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force: true,
	})
}

// Teardown stops and removes a container, ignoring ones already gone.
func (d *DockerService) Teardown(ctx context.Context, id string) error {
	if _, err := d.StopContainer(ctx, id); err != nil && !cerrdefs.IsNotFound(err) {
		logger.Log.Warn().Err(err).Str("container_id", id).Msg("unable to stop container")
	}
	if _, err := d.RemoveContainer(ctx, id); err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (d *DockerService) GetIP(ctx context.Context, id string) (string, error) {
	inspect, err := d.docker.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return "", err
	}
	for _, endpoint := range inspect.Container.NetworkSettings.Networks {
		if endpoint == nil {
			continue
		}
		if ip := endpoint.IPAddress.String(); ip != "" && ip != "invalid IP" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("container %s has no ip address", id)
}

func (d *DockerService) Close() error {
	return d.docker.Close()
}
