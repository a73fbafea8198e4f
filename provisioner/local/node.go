package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/internal"
)

// Node is a long-running container acting as a fleet node.
type Node struct {
	id      string
	name    string
	address string

	docker internal.DockerClient
	log    *slog.Logger
}

// Node implements fleet.Node
var _ fleet.Node = (*Node)(nil)

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Name() string {
	return n.name
}

// Address is the container address on its fleet network, reachable from the Docker host.
func (n *Node) Address() string {
	return n.address
}

func (n *Node) PrivateAddress() string {
	return n.address
}

func (n *Node) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	return internal.Exec(ctx, n.docker, n.id, cmd, nil, stdout, stderr)
}

func (n *Node) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, network, addr)
}

// Terminate removes the container. A container which is already gone is not an error.
func (n *Node) Terminate(ctx context.Context) error {
	n.log.Debug("Removing node container")
	return removeContainer(ctx, n.docker, n.id)
}

func removeContainer(ctx context.Context, docker internal.DockerClient, id string) error {
	err := docker.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container '%s': %w", id, err)
	}
	return nil
}
