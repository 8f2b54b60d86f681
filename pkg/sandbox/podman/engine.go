// Package podman implements the sandbox orchestrator on top of a podman
// machine: a shared VM exposing a Docker-compatible engine socket that every
// tool-server container runs inside.
package podman

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Engine is the control-plane surface the orchestrator needs from the
// container engine. It is the subset of the Docker API client used here,
// kept as an interface so tests can run against a fake engine.
//
// Call sites must branch three ways on every engine call: success,
// already-in-desired-state (the client maps the daemon's 304 to a nil
// error), and not-found (client.IsErrNotFound).
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)

	ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, name string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, name string, options container.StopOptions) error
	ContainerLogs(ctx context.Context, name string, options types.ContainerLogsOptions) (io.ReadCloser, error)

	ContainerExecCreate(ctx context.Context, name string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)

	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)

	Close() error
}

// Verify the Docker client satisfies Engine.
var _ Engine = (*client.Client)(nil)

// Dial connects to the engine socket the machine exposes. The connection is
// bound exactly once per process; the machine owns the only call site.
func Dial(socketPath string) (Engine, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating engine client for %s: %w", socketPath, err)
	}
	return cli, nil
}

// notFound reports whether an engine error is the 404 class.
func notFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}
