package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/gammadia/dasklaunch/cluster"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/ec2"
	"github.com/gammadia/dasklaunch/provisioner/local"
	"github.com/gammadia/dasklaunch/provisioner/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var provisionerID = os.Getenv("PROVISIONER")
	var provisioner fleet.Provisioner
	var err error

	switch provisionerID {
	case "", "local":
		provisioner, err = local.New(local.Config{Logger: logger})
	case "ec2":
		provisioner, err = ec2.New(ctx, ec2.Config{
			Logger:       logger,
			Region:       "eu-central-1",
			InstanceType: "t3.medium",
			ImageID:      "ami-0faab6bdbac9486fb", // ubuntu-jammy-22.04-amd64-server
			SSHUsername:  "ubuntu",
		})
	case "openstack":
		provisioner, err = openstack.New(openstack.Config{
			Logger: logger,
			Image:  "14841daa-5d0e-4445-8064-8e39e49558f1", // debian-12
			Flavor: "21aad244-a330-4e79-ba80-4c057cf742f9", // a1-ram2-disk20-perf1
			Networks: []servers.Network{
				{UUID: "dcf25c41-9057-4bc2-8475-a2e3c5d8c662"}, // ext-net-1
			},
			SecurityGroups: []string{"dasklaunch-node"},
			SSHUsername:    "debian",
		})
	default:
		err = fmt.Errorf("unknown provisioner '%s'", provisionerID)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("unable to create provisioner '%s': %w", provisionerID, err))
		os.Exit(1)
	}

	counts, err := cluster.Run(ctx, provisioner,
		fleet.Config{Logger: logger, Nodes: 3, ReadyTimeout: 5 * time.Minute},
		cluster.Config{Logger: logger},
		func(ctx context.Context, c *cluster.Cluster) (cluster.Counts, error) {
			err := c.Submit(ctx, `python3 -c 'from dask.distributed import Client; c = Client(); print(c.submit(sum, range(100)).result())'`, os.Stdout, os.Stderr)
			if err != nil {
				return cluster.Counts{}, err
			}
			return c.Counts(ctx)
		},
	)
	if shutdownErr := provisioner.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
		logger.Warn("Failed to shut down provisioner", "error", shutdownErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("Workers: %d, tasks: %d\n", counts.Workers, counts.Tasks)
}
