package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/gammadia/dasklaunch/provisioner/internal"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type notFoundError struct{ error }

func (notFoundError) NotFound() {}

// --- Mock Docker Client ---

type mockContainer struct {
	id      string
	name    string
	labels  map[string]string
	network string
	address string
	started bool
}

type mockDocker struct {
	internal.DockerClient

	mu sync.Mutex

	networks   map[string]map[string]string
	containers map[string]*mockContainer
	removed    []string
	pulled     []string
	closed     bool
	execs      []string

	// startErr makes the container with the given name fail to start
	startErr map[string]error
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		networks:   map[string]map[string]string{},
		containers: map[string]*mockContainer{},
		startErr:   map[string]error{},
	}
}

func (m *mockDocker) NetworkCreate(_ context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks["net-"+name] = options.Labels
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (m *mockDocker) NetworkRemove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, candidate := range []string{id, "net-" + id} {
		if _, ok := m.networks[candidate]; ok {
			delete(m.networks, candidate)
			return nil
		}
	}
	return notFoundError{fmt.Errorf("network %s not found", id)}
}

func (m *mockDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig, networking *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &mockContainer{
		id:      "ctr-" + name,
		name:    name,
		labels:  config.Labels,
		address: fmt.Sprintf("172.18.0.%d", len(m.containers)+2),
	}
	for networkName := range networking.EndpointsConfig {
		c.network = networkName
	}
	m.containers[c.id] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.containers[id]
	if err, ok := m.startErr[c.name]; ok {
		return err
	}
	c.started = true
	return nil
}

func (m *mockDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.containers[id]
	return container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				c.network: {IPAddress: c.address},
			},
		},
	}, nil
}

func (m *mockDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []container.Summary
	for _, c := range m.containers {
		matches := true
		for _, filter := range options.Filters.Get("label") {
			key, value, hasValue := strings.Cut(filter, "=")
			actual, ok := c.labels[key]
			if !ok || (hasValue && actual != value) {
				matches = false
			}
		}
		if matches {
			summary := container.Summary{ID: c.id, Names: []string{"/" + c.name}, Labels: c.labels, State: "created"}
			if c.started {
				summary.State = "running"
			}
			list = append(list, summary)
		}
	}
	return list, nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return notFoundError{fmt.Errorf("container %s not found", id)}
	}
	delete(m.containers, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockDocker) ContainerExecCreate(_ context.Context, id string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, id+": "+strings.Join(options.Cmd, " "))
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

type mockConn struct{ net.Conn }

func (mockConn) Close() error { return nil }

func (m *mockDocker) ContainerExecAttach(context.Context, string, container.ExecStartOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{Conn: mockConn{}, Reader: bufio.NewReader(strings.NewReader(""))}, nil
}

func (m *mockDocker) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: 0}, nil
}

func (m *mockDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return nil, nil
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDocker) Close() error {
	m.closed = true
	return nil
}

// --- Tests ---

func TestProvision(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})
	fleetName := namegen.ID("test-fleet")

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: fleetName, Count: 3})
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, []string{DefaultImage}, docker.pulled)
	assert.Contains(t, docker.networks, "net-dasklaunch-test-fleet")
	assert.Equal(t, "test-fleet", docker.networks["net-dasklaunch-test-fleet"][fleet.TagFleet])

	for i, node := range nodes {
		assert.Equal(t, fleetName.Node(i), node.Name())
		assert.Equal(t, "ctr-"+fleetName.Node(i), node.ID())
		assert.NotEmpty(t, node.Address())
		assert.Equal(t, node.Address(), node.PrivateAddress())
		assert.True(t, docker.containers[node.ID()].started)
	}
}

func TestProvisionReturnsCreatedNodesOnFailure(t *testing.T) {
	docker := newMockDocker()
	fleetName := namegen.ID("broken")
	docker.startErr[fleetName.Node(1)] = errors.New("no space left on device")
	p := NewWithClient(docker, Config{Logger: silentLogger})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: fleetName, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start docker container for node '"+fleetName.Node(1)+"'")

	// The container which failed to start is handed back too, so that it gets removed
	assert.ElementsMatch(t,
		[]string{"ctr-" + fleetName.Node(0), "ctr-" + fleetName.Node(1)},
		lo.Map(nodes, func(n fleet.Node, _ int) string { return n.ID() }),
	)
}

func TestNodeRun(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "run", Count: 1})
	require.NoError(t, err)

	require.NoError(t, nodes[0].Run(context.Background(), "true", io.Discard, io.Discard))
	assert.Equal(t, []string{nodes[0].ID() + ": sh -c true"}, docker.execs)
}

func TestNodeTerminateIsIdempotent(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "terminate", Count: 1})
	require.NoError(t, err)

	require.NoError(t, nodes[0].Terminate(context.Background()))
	require.NoError(t, nodes[0].Terminate(context.Background()))
	assert.Equal(t, []string{nodes[0].ID()}, docker.removed)
}

func TestSweep(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})

	_, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "one", Count: 2})
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "two", Count: 1})
	require.NoError(t, err)

	swept, err := p.Sweep(context.Background(), "one")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ctr-dasklaunch-one-0", "ctr-dasklaunch-one-1"}, swept)
	assert.NotContains(t, docker.networks, "net-dasklaunch-one")

	// The other fleet is left alone
	assert.Contains(t, docker.containers, "ctr-dasklaunch-two-0")
	assert.Contains(t, docker.networks, "net-dasklaunch-two")

	// Sweeping again finds nothing
	swept, err = p.Sweep(context.Background(), "one")
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestList(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})

	_, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "listed", Count: 2})
	require.NoError(t, err)

	instances, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)

	for _, instance := range instances {
		assert.Equal(t, "listed", instance.Fleet)
		assert.Equal(t, "running", instance.Status)
		assert.True(t, strings.HasPrefix(instance.Name, "dasklaunch-listed-"))
	}
}

func TestShutdown(t *testing.T) {
	docker := newMockDocker()
	p := NewWithClient(docker, Config{Logger: silentLogger})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "leftover", Count: 1})
	require.NoError(t, err)
	require.NoError(t, nodes[0].Terminate(context.Background()))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, docker.networks)
	assert.True(t, docker.closed)
}
