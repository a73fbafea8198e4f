package flags

import (
	"strings"

	"github.com/gammadia/dasklaunch/cluster"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/provisioner/ec2"
	"github.com/gammadia/dasklaunch/provisioner/local"
	"github.com/gammadia/dasklaunch/provisioner/openstack"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat       = "log-format"
	LogLevel        = "log-level"
	LogSource       = "log-source"
	Verbose         = "verbose"
	Provider        = "provider"
	ReadyTimeout    = "ready-timeout"
	TeardownTimeout = "teardown-timeout"
	SchedulerPort   = "scheduler-port"
	DashboardPort   = "dashboard-port"
	Attempts        = "attempts"

	Ec2Region            = "ec2-region"
	Ec2Profile           = "ec2-profile"
	Ec2InstanceType      = "ec2-instance-type"
	Ec2Image             = "ec2-image"
	Ec2Subnet            = "ec2-subnet"
	Ec2SecurityGroups    = "ec2-security-groups"
	Ec2KeyName           = "ec2-key-name"
	Ec2KeyDir            = "ec2-key-dir"
	Ec2InstanceProfile   = "ec2-instance-profile"
	Ec2PlacementGroup    = "ec2-placement-group"
	Ec2UserData          = "ec2-user-data"
	Ec2SshUsername       = "ec2-ssh-username"
	Ec2UsePrivateAddress = "ec2-use-private-address"

	OpenstackImage          = "openstack-image"
	OpenstackFlavor         = "openstack-flavor"
	OpenstackNetworks       = "openstack-networks"
	OpenstackSecurityGroups = "openstack-security-groups"
	OpenstackKeyName        = "openstack-key-name"
	OpenstackKeyDir         = "openstack-key-dir"
	OpenstackSshUsername    = "openstack-ssh-username"

	LocalImage = "local-image"
)

// Register declares the global flags on the given flag set and binds them to viper, so that
// every flag can also be set with a DASKLAUNCH_ prefixed environment variable.
func Register(flags *flag.FlagSet) {
	// dasklaunch
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.BoolP(Verbose, "v", false, "verbose output, implies --log-level=DEBUG unless set")
	flags.String(Provider, "ec2", "node provisioner to use (ec2, openstack, local)")
	flags.Duration(ReadyTimeout, fleet.DefaultReadyTimeout, "how long to wait for the nodes to be ready")
	flags.Duration(TeardownTimeout, fleet.DefaultTeardownTimeout, "how long to wait for the nodes to be terminated")

	// EC2
	flags.String(Ec2Region, ec2.DefaultRegion, "AWS region")
	flags.String(Ec2Profile, "", "AWS shared config profile")
	flags.String(Ec2InstanceType, ec2.DefaultInstanceType, "instance type of the nodes")
	flags.String(Ec2Image, ec2.DefaultImageID, "AMI of the nodes")
	flags.String(Ec2Subnet, "", "subnet the nodes are launched in")
	flags.StringSlice(Ec2SecurityGroups, nil, "security groups of the nodes")
	flags.String(Ec2KeyName, "", "existing key pair, whose private key is '<key-dir>/<key-name>.pem'")
	flags.String(Ec2KeyDir, ".", "directory holding the private key of the key pair")
	flags.String(Ec2InstanceProfile, "", "IAM instance profile of the nodes")
	flags.String(Ec2PlacementGroup, "", "placement group of the nodes")
	flags.String(Ec2UserData, "", "user data passed to the nodes")
	flags.String(Ec2SshUsername, ec2.DefaultSSHUsername, "ssh username used to connect to the nodes")
	flags.Bool(Ec2UsePrivateAddress, false, "connect to the nodes through their private address")

	// Openstack
	flags.String(OpenstackImage, "", "image to use for provisioning")
	flags.String(OpenstackFlavor, "", "flavor to use for provisioning")
	flags.StringSlice(OpenstackNetworks, nil, "networks attached to the nodes")
	flags.StringSlice(OpenstackSecurityGroups, nil, "security groups defined for the nodes")
	flags.String(OpenstackKeyName, "", "existing key pair, whose private key is '<key-dir>/<key-name>.pem'")
	flags.String(OpenstackKeyDir, ".", "directory holding the private key of the key pair")
	flags.String(OpenstackSshUsername, openstack.DefaultSSHUsername, "ssh username used to connect to the nodes")

	// Local
	flags.String(LocalImage, local.DefaultImage, "docker image of the nodes")

	viper.SetEnvPrefix("dasklaunch")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}

// RegisterCluster declares the flags of commands which bootstrap a cluster.
func RegisterCluster(flags *flag.FlagSet) {
	flags.Int(SchedulerPort, cluster.DefaultSchedulerPort, "port of the Dask scheduler")
	flags.Int(DashboardPort, cluster.DefaultDashboardPort, "port of the Dask dashboard")
	flags.Int(Attempts, cluster.DefaultAttempts, "attempts of every bootstrap command")
	lo.Must0(viper.BindPFlags(flags))
}

// String returns the flag value when it was explicitly set, or the given value when it isn't
// empty, or the flag default.
func String(key, value string) string {
	if viper.IsSet(key) || value == "" {
		return viper.GetString(key)
	}
	return value
}

func StringSlice(key string, value []string) []string {
	if viper.IsSet(key) || len(value) == 0 {
		return viper.GetStringSlice(key)
	}
	return value
}

func Int(key string, value int) int {
	if viper.IsSet(key) || value == 0 {
		return viper.GetInt(key)
	}
	return value
}
