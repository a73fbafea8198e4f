package openstack

import (
	"log/slog"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

type Config struct {
	Logger *slog.Logger

	Image          string
	Flavor         string
	Networks       []servers.Network
	SecurityGroups []string
	UserData       string

	// KeyName selects an existing key pair whose private key is '<KeyDir>/<KeyName>.pem'. An
	// ephemeral key pair is created when it is empty.
	KeyName string
	KeyDir  string

	SSHUsername string
	// WaitTimeout bounds the wait for a server to become ACTIVE
	WaitTimeout time.Duration
}

const (
	DefaultSSHUsername = "ubuntu"
	DefaultWaitTimeout = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SSHUsername == "" {
		c.SSHUsername = DefaultSSHUsername
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c
}
