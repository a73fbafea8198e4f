package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/gammadia/dasklaunch/client/fleetfile"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [FLEET...]",
	Short: "Terminates the instances of a fleet, or of every fleet",
	Args:  cobra.ArbitraryArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, err := newProvisioner(cmd.Context(), fleetfile.Instance{})
		if err != nil {
			return fmt.Errorf("failed to create provisioner: %w", err)
		}
		defer shutdownProvisioner(cmd.Context(), provisioner)

		return cleanup(cmd, provisioner, args)
	},
}

// cleanup sweeps the given fleets, or every fleet which still has instances when none is given.
func cleanup(cmd *cobra.Command, provisioner fleet.Provisioner, fleets []string) error {
	if len(fleets) == 0 {
		instances, err := provisioner.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}
		fleets = lo.Uniq(lo.FilterMap(instances, func(i fleet.Instance, _ int) (string, bool) { return i.Fleet, i.Fleet != "" }))
	}
	if len(fleets) == 0 {
		cmd.Println("No fleet to clean up")
		return nil
	}

	var errs []error
	var terminated, failed []string
	for _, name := range fleets {
		spinner := step(cmd, fmt.Sprintf("Terminating fleet '%s'", name))
		swept, err := provisioner.Sweep(cmd.Context(), namegen.ID(name))
		if err != nil {
			spinner.Fail()
			errs = append(errs, fmt.Errorf("failed to clean up fleet '%s': %w", name, err))
			failed = append(failed, name)
			continue
		}
		spinner.Success(fmt.Sprintf("Terminated fleet '%s' (%d instances)", name, len(swept)))
		terminated = append(terminated, swept...)
	}

	cmd.Printf("Terminated instances: %v\n", terminated)
	if len(failed) > 0 {
		cmd.Println(color.RedString("Fleets which may still have instances: %v", failed))
	}
	return errors.Join(errs...)
}
