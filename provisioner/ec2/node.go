package ec2

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/internal"
)

type Node struct {
	id             string
	name           string
	address        string
	privateAddress string

	api   API
	shell internal.Shell

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

// Address is the address used to reach the instance through SSH, see Config.UsePrivateAddress.
func (n *Node) Address() string {
	return n.address
}

func (n *Node) PrivateAddress() string {
	return n.privateAddress
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

// Terminate terminates the instance. Terminating an instance twice is accepted by EC2.
func (n *Node) Terminate(ctx context.Context) error {
	if n.shell != nil {
		_ = n.shell.Close()
	}

	n.log.Debug("Terminating instance")
	_, err := n.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{n.id}})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to terminate instance '%s': %w", n.id, err)
	}
	return nil
}
