package main

import (
	"context"
	"fmt"

	"github.com/gammadia/dasklaunch/client/flags"
	"github.com/gammadia/dasklaunch/client/fleetfile"
	"github.com/gammadia/dasklaunch/client/log"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/ec2"
	"github.com/gammadia/dasklaunch/provisioner/local"
	"github.com/gammadia/dasklaunch/provisioner/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// newProvisioner creates the provisioner selected by the provider flag. Flags which are
// explicitly set take precedence over the instance section of the fleetfile.
func newProvisioner(ctx context.Context, instance fleetfile.Instance) (fleet.Provisioner, error) {
	logger := log.With("component", "provisioner")

	switch provider := viper.GetString(flags.Provider); provider {
	case "ec2":
		return ec2.New(ctx, ec2.Config{
			Logger:            logger,
			Region:            flags.String(flags.Ec2Region, instance.Region),
			Profile:           viper.GetString(flags.Ec2Profile),
			InstanceType:      flags.String(flags.Ec2InstanceType, instance.Type),
			ImageID:           flags.String(flags.Ec2Image, instance.Image),
			SubnetID:          flags.String(flags.Ec2Subnet, instance.Subnet),
			SecurityGroupIDs:  flags.StringSlice(flags.Ec2SecurityGroups, instance.SecurityGroups),
			InstanceProfile:   flags.String(flags.Ec2InstanceProfile, instance.InstanceProfile),
			PlacementGroup:    flags.String(flags.Ec2PlacementGroup, instance.PlacementGroup),
			UserData:          flags.String(flags.Ec2UserData, instance.UserData),
			KeyName:           flags.String(flags.Ec2KeyName, instance.KeyName),
			KeyDir:            viper.GetString(flags.Ec2KeyDir),
			SSHUsername:       viper.GetString(flags.Ec2SshUsername),
			UsePrivateAddress: viper.GetBool(flags.Ec2UsePrivateAddress),
		})

	case "openstack":
		return openstack.New(openstack.Config{
			Logger: logger,
			Image:  flags.String(flags.OpenstackImage, instance.Image),
			Flavor: flags.String(flags.OpenstackFlavor, instance.Type),
			Networks: lo.Map(viper.GetStringSlice(flags.OpenstackNetworks), func(item string, _ int) servers.Network {
				return servers.Network{UUID: item}
			}),
			SecurityGroups: flags.StringSlice(flags.OpenstackSecurityGroups, instance.SecurityGroups),
			UserData:       instance.UserData,
			KeyName:        flags.String(flags.OpenstackKeyName, instance.KeyName),
			KeyDir:         viper.GetString(flags.OpenstackKeyDir),
			SSHUsername:    viper.GetString(flags.OpenstackSshUsername),
		})

	case "local":
		return local.New(local.Config{
			Logger: logger,
			Image:  flags.String(flags.LocalImage, instance.Image),
		})

	default:
		return nil, fmt.Errorf("unknown provider '%s'", provider)
	}
}

// shutdownProvisioner releases the provisioner resources even when ctx was cancelled, as
// ephemeral key pairs would otherwise leak.
func shutdownProvisioner(ctx context.Context, provisioner fleet.Provisioner) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viper.GetDuration(flags.TeardownTimeout))
	defer cancel()

	if err := provisioner.Shutdown(ctx); err != nil {
		log.Base.Warn("Failed to shut down provisioner", "error", err)
	}
}
