package ec2

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger

	Region string `json:"region"`
	// Profile is the shared config profile used to load credentials, the default chain applies when empty
	Profile string `json:"profile"`

	InstanceType     string   `json:"instance-type"`
	ImageID          string   `json:"image"`
	SubnetID         string   `json:"subnet"`
	SecurityGroupIDs []string `json:"security-groups"`
	InstanceProfile  string   `json:"instance-profile"`
	PlacementGroup   string   `json:"placement-group"`
	UserData         string   `json:"user-data"`

	// KeyName selects an existing key pair whose private key is '<KeyDir>/<KeyName>.pem'. An
	// ephemeral key pair is created when it is empty.
	KeyName string `json:"key-name"`
	KeyDir  string `json:"key-dir"`

	SSHUsername string `json:"ssh-username"`
	// UsePrivateAddress connects to the nodes through their private address, e.g. when running
	// from within the VPC
	UsePrivateAddress bool `json:"use-private-address"`

	// WaitTimeout bounds the wait for instances to be running
	WaitTimeout time.Duration `json:"wait-timeout"`
	// PollInterval is the minimum delay between two instance state checks
	PollInterval time.Duration `json:"poll-interval"`
}

const (
	DefaultRegion       = "us-west-2"
	DefaultInstanceType = "t2.medium"
	DefaultImageID      = "ami-0c55b159cbfafe1f0"
	DefaultSSHUsername  = "ec2-user"
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.InstanceType == "" {
		c.InstanceType = DefaultInstanceType
	}
	if c.ImageID == "" {
		c.ImageID = DefaultImageID
	}
	if c.SSHUsername == "" {
		c.SSHUsername = DefaultSSHUsername
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
