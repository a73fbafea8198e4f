package openstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/internal"
)

type Node struct {
	id      string
	name    string
	address string

	compute    computeAPI
	shell      internal.Shell
	terminated atomic.Bool

	log *slog.Logger
}

// Node implements fleet.Node
var _ fleet.Node = (*Node)(nil)

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Address() string {
	return n.address
}

// PrivateAddress is the same as Address: the fleet network is the one the operator reaches.
func (n *Node) PrivateAddress() string {
	return n.address
}

func (n *Node) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	if n.shell == nil {
		return fmt.Errorf("node '%s' is not connected", n.name)
	}
	return n.shell.Run(ctx, cmd, stdout, stderr)
}

func (n *Node) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if n.shell == nil {
		return nil, fmt.Errorf("node '%s' is not connected", n.name)
	}
	return n.shell.Dial(ctx, network, addr)
}

func (n *Node) Terminate(context.Context) error {
	if n.terminated.Load() {
		return nil
	}

	if n.shell != nil {
		_ = n.shell.Close()
	}

	n.log.Debug("Deleting server")
	if err := n.compute.DeleteServer(n.id); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete server '%s': %w", n.name, err)
	}

	n.terminated.Store(true)
	return nil
}
