package container

import (
	"context"
	"encoding/json"
	"io"
	"time"

	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec describes the long-lived container of one submission.
type ContainerSpec struct {
	Image       string
	MountSource string
	MountTarget string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// ExecSpec is one command run inside a started container.
type ExecSpec struct {
	Argv     []string
	Dir      string
	Env      []string
	Stdin    string
	HasStdin bool
}

// Client is the subset of the container engine the runner depends on.
type Client interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Exec blocks until the command exits and returns its exit code. Cancelling
	// ctx detaches from the exec and returns ctx.Err().
	Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error)
	// KillExecs kills every process in the container except its init.
	KillExecs(ctx context.Context, id string) error
	MemoryUsage(ctx context.Context, id string) (uint64, error)
	Remove(ctx context.Context, id string) error
}

const execPollInterval = 10 * time.Millisecond

// DockerClient implements Client on the Docker Engine API.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects using the DOCKER_* environment.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ContainerError, "create docker client failed")
	}
	return &DockerClient{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// Ping checks that the daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return appErr.Wrapf(err, appErr.ContainerError, "ping docker daemon failed")
	}
	return nil
}

func (d *DockerClient) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.ImagePullFailed, "pull image %s failed", ref)
	}
	defer reader.Close()
	// The pull only completes once its progress stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return appErr.Wrapf(err, appErr.ImagePullFailed, "pull image %s failed", ref)
	}
	return nil
}

func (d *DockerClient) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	pids := spec.PidsLimit
	resp, err := d.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      spec.MountTarget,
		NetworkDisabled: true,
	}, &dockercontainer.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.MountSource,
			Target:   spec.MountTarget,
			ReadOnly: true,
		}},
		Resources: dockercontainer.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pids,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}, nil, nil, "")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ContainerError, "create container failed")
	}
	return resp.ID, nil
}

func (d *DockerClient) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.ContainerError, "start container failed")
	}
	return nil
}

func (d *DockerClient) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		Cmd:          spec.Argv,
		WorkingDir:   spec.Dir,
		Env:          spec.Env,
		AttachStdin:  spec.HasStdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ContainerError, "create exec failed")
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ContainerError, "attach exec failed")
	}
	defer attach.Close()

	if spec.HasStdin {
		go func() {
			_, _ = io.WriteString(attach.Conn, spec.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.ContainerError, "read exec output failed")
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return 0, ctx.Err()
	}

	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.ContainerError, "inspect exec failed")
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// KillExecs runs kill -9 -1 in a second exec. Signal -1 reaches every process
// the caller may signal except itself and the container init.
func (d *DockerClient) KillExecs(ctx context.Context, id string) error {
	created, err := d.cli.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		Cmd: []string{"/bin/sh", "-c", "kill -9 -1"},
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.ContainerError, "create kill exec failed")
	}
	if err := d.cli.ContainerExecStart(ctx, created.ID, dockercontainer.ExecStartOptions{Detach: true}); err != nil {
		return appErr.Wrapf(err, appErr.ContainerError, "start kill exec failed")
	}

	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return appErr.Wrapf(err, appErr.ContainerError, "inspect kill exec failed")
		}
		if !inspect.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return appErr.Wrapf(ctx.Err(), appErr.ContainerError, "kill exec did not finish")
		case <-ticker.C:
		}
	}
}

type memoryStats struct {
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
}

func (d *DockerClient) MemoryUsage(ctx context.Context, id string) (uint64, error) {
	stats, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ContainerError, "read container stats failed")
	}
	defer stats.Body.Close()

	var payload memoryStats
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		return 0, appErr.Wrapf(err, appErr.ContainerError, "decode container stats failed")
	}
	return payload.MemoryStats.Usage, nil
}

func (d *DockerClient) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return appErr.Wrapf(err, appErr.ContainerError, "remove container failed")
	}
	return nil
}
