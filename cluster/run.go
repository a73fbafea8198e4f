package cluster

import (
	"context"
	"fmt"

	"github.com/gammadia/dasklaunch/fleet"
)

// Run launches a fleet, bootstraps a Dask cluster on it and calls fn with the cluster. The
// fleet is torn down whatever happens, see fleet.Run.
func Run[T any](
	ctx context.Context,
	provisioner fleet.Provisioner,
	fleetConfig fleet.Config,
	config Config,
	fn func(context.Context, *Cluster) (T, error),
) (T, error) {
	if err := fleet.Validate(fleetConfig); err != nil {
		var zero T
		return zero, fmt.Errorf("invalid fleet config: %w", err)
	}

	return RunFleet(ctx, fleet.New(provisioner, fleetConfig), config, fn)
}

// RunFleet is Run for a fleet created by the caller, e.g. to subscribe to its events before it
// is launched.
func RunFleet[T any](ctx context.Context, f *fleet.Fleet, config Config, fn func(context.Context, *Cluster) (T, error)) (T, error) {
	var result T

	if err := Validate(config); err != nil {
		return result, fmt.Errorf("invalid cluster config: %w", err)
	}

	err := f.Run(ctx, func(ctx context.Context, f *fleet.Fleet) error {
		c, err := Bootstrap(ctx, f, config)
		if err != nil {
			return fmt.Errorf("failed to bootstrap cluster on fleet '%s': %w", f.Name(), err)
		}
		defer c.Close()

		result, err = fn(ctx, c)
		return err
	})
	return result, err
}
