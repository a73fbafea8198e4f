package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/internal/retry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1" // for DockerClient interface
)

// DockerClient abstracts the Docker SDK methods used to run nodes as containers,
// enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// EnsureImage pulls ref unless it is already present on the Docker host.
func EnsureImage(ctx context.Context, docker DockerClient, ref string, log *slog.Logger) error {
	list, err := retry.Result(ctx, retry.Default, func() ([]image.Summary, error) {
		return docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		log.Debug("Image already present", "image", ref)
		return nil
	}

	log.Info("Pulling image", "image", ref)
	reader, err := retry.Result(ctx, retry.Policy{Attempts: 4, Delay: 100 * time.Millisecond}, func() (io.ReadCloser, error) {
		return docker.ImagePull(ctx, ref, image.PullOptions{})
	})
	if err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream has been consumed
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", ref, err)
	}
	return nil
}

// Exec runs cmd through 'sh -c' in a running container, demultiplexing its output to stdout
// and stderr. A non-zero exit status is reported as a *fleet.ExitError.
func Exec(ctx context.Context, docker DockerClient, containerID, cmd string, env []string, stdout, stderr io.Writer) error {
	exec, err := docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create docker exec: %w", err)
	}

	attach, err := docker.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach docker exec: %w", err)
	}
	defer attach.Close()

	// Closing the hijacked connection is the only way to unblock the copy below
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read docker exec output: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	inspect, err := retry.Result(ctx, retry.Default, func() (container.ExecInspect, error) {
		return docker.ContainerExecInspect(ctx, exec.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to inspect docker exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return &fleet.ExitError{Command: cmd, Code: inspect.ExitCode}
	}
	return nil
}
