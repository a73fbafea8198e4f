package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/internal/retry"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/gammadia/dasklaunch/provisioner/internal"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Provisioner runs fleet nodes as containers on the local Docker host. Every fleet gets its
// own bridge network so that its nodes can reach each other.
type Provisioner struct {
	name   namegen.ID
	config Config
	log    *slog.Logger
	docker internal.DockerClient

	mutex    sync.Mutex
	networks map[namegen.ID]string
}

// Provisioner implements fleet.Provisioner
var _ fleet.Provisioner = (*Provisioner)(nil)

func New(config Config) (*Provisioner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}

	return NewWithClient(docker, config), nil
}

func NewWithClient(docker internal.DockerClient, config Config) *Provisioner {
	config = config.withDefaults()
	name := namegen.Get()

	return &Provisioner{
		name:   name,
		config: config,
		log:    config.Logger.With("component", "provisioner", "provisioner", name),
		docker: docker,

		networks: map[namegen.ID]string{},
	}
}

func networkName(fleetName namegen.ID) string {
	return "dasklaunch-" + fleetName.String()
}

func (p *Provisioner) labels(fleetName namegen.ID) map[string]string {
	return map[string]string{
		fleet.TagFleet:       fleetName.String(),
		fleet.TagProvisioner: p.name.String(),
	}
}

func (p *Provisioner) Provision(ctx context.Context, req fleet.ProvisionRequest) ([]fleet.Node, error) {
	log := p.log.With("fleet", req.Fleet)

	if err := internal.EnsureImage(ctx, p.docker, p.config.Image, log); err != nil {
		return nil, err
	}

	netResp, err := retry.Result(ctx, retry.Default, func() (network.CreateResponse, error) {
		return p.docker.NetworkCreate(ctx, networkName(req.Fleet), network.CreateOptions{
			Driver: "bridge",
			Labels: p.labels(req.Fleet),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker network: %w", err)
	}

	p.mutex.Lock()
	p.networks[req.Fleet] = netResp.ID
	p.mutex.Unlock()

	nodes := make([]*Node, req.Count)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range nodes {
		group.Go(func() (err error) {
			nodes[i], err = p.createNode(groupCtx, req.Fleet, netResp.ID, i)
			return err
		})
	}
	err = group.Wait()

	return lo.FilterMap(nodes, func(n *Node, _ int) (fleet.Node, bool) { return n, n != nil }), err
}

// createNode starts a container idling until commands are executed in it. A container that
// was created but failed to start is still returned so that it gets removed.
func (p *Provisioner) createNode(ctx context.Context, fleetName namegen.ID, networkID string, index int) (*Node, error) {
	name := fleetName.Node(index)
	log := p.log.With("fleet", fleetName, "node", name)

	resp, err := p.docker.ContainerCreate(
		ctx,
		&container.Config{
			Image:    p.config.Image,
			Cmd:      []string{"sleep", "infinity"},
			Hostname: name,
			Labels:   p.labels(fleetName),
		},
		&container.HostConfig{
			Init: lo.ToPtr(true),
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName(fleetName): {
					NetworkID: networkID,
					Aliases:   []string{name},
				},
			},
		},
		nil,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker container for node '%s': %w", name, err)
	}

	node := &Node{id: resp.ID, name: name, docker: p.docker, log: log}

	if err := retry.Default.Do(ctx, func() error {
		return p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	}); err != nil {
		return node, fmt.Errorf("failed to start docker container for node '%s': %w", name, err)
	}

	inspect, err := retry.Result(ctx, retry.Default, func() (container.InspectResponse, error) {
		return p.docker.ContainerInspect(ctx, resp.ID)
	})
	if err != nil {
		return node, fmt.Errorf("failed to inspect docker container for node '%s': %w", name, err)
	}
	if inspect.NetworkSettings != nil {
		if endpoint, ok := inspect.NetworkSettings.Networks[networkName(fleetName)]; ok && endpoint != nil {
			node.address = endpoint.IPAddress
		}
	}
	if node.address == "" {
		return node, fmt.Errorf("docker container for node '%s' has no address on network '%s'", name, networkName(fleetName))
	}

	log.Debug("Node container started", "container", resp.ID, "address", node.address)
	return node, nil
}

func (p *Provisioner) list(ctx context.Context, args ...filters.KeyValuePair) ([]container.Summary, error) {
	return retry.Result(ctx, retry.Default, func() ([]container.Summary, error) {
		return p.docker.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(args...),
		})
	})
}

// Sweep removes the containers and the network of a fleet.
func (p *Provisioner) Sweep(ctx context.Context, fleetName namegen.ID) ([]string, error) {
	containers, err := p.list(ctx, filters.Arg("label", fleet.TagFleet+"="+fleetName.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of fleet '%s': %w", fleetName, err)
	}

	var errs []error
	var removed []string
	for _, c := range containers {
		if err := removeContainer(ctx, p.docker, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, c.ID)
	}

	if err := p.removeNetwork(ctx, fleetName); err != nil {
		errs = append(errs, err)
	}

	return removed, errors.Join(errs...)
}

func (p *Provisioner) removeNetwork(ctx context.Context, fleetName namegen.ID) error {
	p.mutex.Lock()
	id, ok := p.networks[fleetName]
	delete(p.networks, fleetName)
	p.mutex.Unlock()

	// Networks of fleets provisioned by another process are only known by name
	id = lo.Ternary(ok, id, networkName(fleetName))

	if err := p.docker.NetworkRemove(ctx, id); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove docker network '%s': %w", networkName(fleetName), err)
	}
	return nil
}

func (p *Provisioner) List(ctx context.Context) ([]fleet.Instance, error) {
	containers, err := p.list(ctx, filters.Arg("label", fleet.TagFleet))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	return lo.Map(containers, func(c container.Summary, _ int) fleet.Instance {
		instance := fleet.Instance{
			ID:         c.ID,
			Fleet:      c.Labels[fleet.TagFleet],
			Status:     string(c.State),
			LaunchedAt: time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			instance.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		if c.NetworkSettings != nil {
			for _, endpoint := range c.NetworkSettings.Networks {
				if endpoint != nil && endpoint.IPAddress != "" {
					instance.Address = endpoint.IPAddress
					break
				}
			}
		}
		return instance
	}), nil
}

// Shutdown removes the networks left by fleets which were not swept, then closes the Docker client.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	p.mutex.Lock()
	fleets := lo.Keys(p.networks)
	p.mutex.Unlock()

	var errs []error
	for _, fleetName := range fleets {
		if err := p.removeNetwork(ctx, fleetName); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.docker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
	}
	return errors.Join(errs...)
}
