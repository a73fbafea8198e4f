package fleet

import (
	"context"
	"time"

	"github.com/gammadia/dasklaunch/namegen"
)

const (
	// TagFleet is the tag, label or metadata key carrying the fleet name on every instance.
	TagFleet = "dasklaunch-fleet"
	// TagProvisioner carries the name of the provisioner which created the instance.
	TagProvisioner = "dasklaunch-provisioner"
)

type ProvisionRequest struct {
	Fleet namegen.ID
	Count int
}

type Instance struct {
	ID         string
	Name       string
	Fleet      string
	Status     string
	Address    string
	LaunchedAt time.Time
}

type Provisioner interface {
	// Provision launches the requested nodes and returns once they are running and reachable.
	// On error, the returned nodes are the ones which were created and must still be terminated.
	Provision(ctx context.Context, req ProvisionRequest) ([]Node, error)
	// Sweep terminates every instance tagged with the fleet name and returns their ids.
	Sweep(ctx context.Context, fleet namegen.ID) ([]string, error)
	// List returns every instance created by dasklaunch.
	List(ctx context.Context) ([]Instance, error)
	// Shutdown releases provisioner resources such as ephemeral key pairs.
	Shutdown(ctx context.Context) error
}
