package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/gammadia/dasklaunch/provisioner/internal"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

type Provisioner struct {
	name    namegen.ID
	config  Config
	compute computeAPI
	log     *slog.Logger
	dial    internal.ShellDialer

	keyMutex sync.Mutex
	keyName  string
	// ephemeralKey is set when the key pair was created by the provisioner and must be deleted
	ephemeralKey bool
	privateKey   ssh.Signer
}

// Provisioner implements fleet.Provisioner
var _ fleet.Provisioner = (*Provisioner)(nil)

// New authenticates against OpenStack using the standard OS_* environment variables.
func New(config Config) (*Provisioner, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return newProvisioner(gophercloudCompute{client}, config, internal.DialShell)
}

func newProvisioner(compute computeAPI, config Config, dial internal.ShellDialer) (*Provisioner, error) {
	config = config.withDefaults()
	name := namegen.Get()

	p := &Provisioner{
		name:    name,
		config:  config,
		compute: compute,
		log:     config.Logger.With("component", "provisioner", "provisioner", name),
		dial:    dial,
	}

	if config.KeyName != "" {
		signer, err := internal.LoadPrivateKey(config.KeyDir, config.KeyName)
		if err != nil {
			return nil, err
		}
		p.keyName, p.privateKey = config.KeyName, signer
	}

	return p, nil
}

// ensureKeyPair creates the ephemeral key pair on first use, so that listing or sweeping
// servers never writes to the project.
func (p *Provisioner) ensureKeyPair() error {
	p.keyMutex.Lock()
	defer p.keyMutex.Unlock()

	if p.privateKey != nil {
		return nil
	}

	keyName := fmt.Sprintf("dasklaunch-%s", p.name)
	keypair, err := p.compute.CreateKeyPair(keyName)
	if err != nil {
		return fmt.Errorf("failed to create keypair: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		_ = p.compute.DeleteKeyPair(keyName)
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	p.log.Debug("Created ephemeral key pair", "keypair", keyName)
	p.keyName, p.privateKey, p.ephemeralKey = keyName, signer, true
	return nil
}

func (p *Provisioner) Provision(ctx context.Context, req fleet.ProvisionRequest) ([]fleet.Node, error) {
	if err := p.ensureKeyPair(); err != nil {
		return nil, err
	}

	nodes := make([]*Node, req.Count)

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range nodes {
		group.Go(func() (err error) {
			nodes[i], err = p.provisionNode(groupCtx, req.Fleet, i)
			return err
		})
	}
	err := group.Wait()

	return lo.FilterMap(nodes, func(n *Node, _ int) (fleet.Node, bool) { return n, n != nil }), err
}

// provisionNode creates a server and connects to it. The node is returned as soon as the server
// exists, even when it fails to come up, so that it can be terminated.
func (p *Provisioner) provisionNode(ctx context.Context, fleetName namegen.ID, index int) (*Node, error) {
	name := fleetName.Node(index)
	log := p.log.With("fleet", fleetName, "node", name)

	server, err := p.compute.CreateServer(keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:           name,
			ImageRef:       p.config.Image,
			FlavorRef:      p.config.Flavor,
			Networks:       p.config.Networks,
			SecurityGroups: p.config.SecurityGroups,
			UserData:       lo.Ternary(p.config.UserData != "", []byte(p.config.UserData), nil),
			Metadata: map[string]string{
				fleet.TagFleet:              fleetName.String(),
				fleet.TagProvisioner:        p.name.String(),
				"dasklaunch-provisioned-at": time.Now().Format(time.RFC3339),
			},
		},
		KeyName: p.keyName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server '%s': %w", name, err)
	}

	node := &Node{
		id:      server.ID,
		name:    name,
		compute: p.compute,
		log:     log,
	}
	log.Debug("Created server, waiting for it to become ready", "server", server.ID, "wait", p.config.WaitTimeout)

	if err := p.waitForActive(ctx, node); err != nil {
		return node, err
	}

	if node.address, err = p.address(node); err != nil {
		return node, err
	}

	node.shell, err = p.dial(ctx, node.address, internal.SSHConfig{
		Username:    p.config.SSHUsername,
		Signer:      p.privateKey,
		InitialWait: 5 * time.Second,
	}, log)
	if err != nil {
		return node, fmt.Errorf("failed to connect to server '%s': %w", name, err)
	}

	log.Debug("Server is reachable", "address", node.address)
	return node, nil
}

// waitForActive is servers.WaitForStatus on top of the compute seam, failing fast when the server
// goes to ERROR or ctx is done.
func (p *Provisioner) waitForActive(ctx context.Context, node *Node) error {
	err := gophercloud.WaitFor(int(p.config.WaitTimeout/time.Second), func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		server, err := p.compute.GetServer(node.id)
		if err != nil {
			return false, fmt.Errorf("failed to get status of server '%s': %w", node.name, err)
		}
		switch server.Status {
		case "ACTIVE":
			return true, nil
		case "ERROR":
			return false, fmt.Errorf("server '%s' failed to start: %s", node.name, server.Fault.Message)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for server '%s' to become ready after %s: %w", node.name, p.config.WaitTimeout, err)
	}
	return nil
}

func (p *Provisioner) address(node *Node) (string, error) {
	allAddresses, err := p.compute.ListAddresses(node.id)
	if err != nil {
		return "", fmt.Errorf("failed to get server addresses for '%s': %w", node.name, err)
	}

	var nodeAddress string
	for _, addresses := range allAddresses {
		for _, address := range addresses {
			if address.Version == 4 {
				nodeAddress = address.Address
			}
		}
	}
	if nodeAddress == "" {
		return "", fmt.Errorf("failed to find IPv4 address for server '%s'", node.name)
	}
	return nodeAddress, nil
}

func (p *Provisioner) Sweep(ctx context.Context, fleetName namegen.ID) ([]string, error) {
	all, err := p.compute.ListServers()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	var errs []error
	var deleted []string
	for _, server := range all {
		if server.Metadata[fleet.TagFleet] != fleetName.String() || server.Status == "DELETED" {
			continue
		}
		if err := p.compute.DeleteServer(server.ID); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete server '%s': %w", server.Name, err))
			continue
		}
		deleted = append(deleted, server.ID)
	}

	return deleted, errors.Join(errs...)
}

func (p *Provisioner) List(ctx context.Context) ([]fleet.Instance, error) {
	all, err := p.compute.ListServers()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	tagged := lo.Filter(all, func(server servers.Server, _ int) bool {
		return server.Metadata[fleet.TagFleet] != ""
	})
	return lo.Map(tagged, func(server servers.Server, _ int) fleet.Instance {
		return fleet.Instance{
			ID:         server.ID,
			Name:       server.Name,
			Fleet:      server.Metadata[fleet.TagFleet],
			Status:     server.Status,
			Address:    server.AccessIPv4,
			LaunchedAt: server.Created,
		}
	}), nil
}

// Shutdown deletes the ephemeral key pair, if any.
func (p *Provisioner) Shutdown(context.Context) error {
	p.keyMutex.Lock()
	defer p.keyMutex.Unlock()

	if !p.ephemeralKey {
		return nil
	}

	if err := p.compute.DeleteKeyPair(p.keyName); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete keypair '%s': %w", p.keyName, err)
	}
	p.ephemeralKey = false
	return nil
}
