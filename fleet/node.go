package fleet

import (
	"context"
	"fmt"
	"io"
	"net"
)

type NodeStatus string

const (
	NodeStatusPending      NodeStatus = "pending"
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusOnline       NodeStatus = "online"
	NodeStatusTerminating  NodeStatus = "terminating"
	NodeStatusTerminated   NodeStatus = "terminated"
	NodeStatusFailed       NodeStatus = "failed"
)

type Node interface {
	// ID is the provider identifier of the instance.
	ID() string
	Name() string
	// Address is reachable from the machine running dasklaunch.
	Address() string
	// PrivateAddress is reachable from the other nodes of the fleet.
	PrivateAddress() string
	// Run executes a shell command on the node. A non-zero exit status is reported as an *ExitError.
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error
	// Dial opens a connection as seen from the node, e.g. to a port only bound on its loopback.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Terminate destroys the instance. Calling it more than once is a no-op.
	Terminate(ctx context.Context) error
}

type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command '%s' exited with status %d", e.Command, e.Code)
}

type nodeState struct {
	node   Node
	status NodeStatus
}
