package openstack

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/gammadia/dasklaunch/provisioner/internal"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Fake compute API ---

type fakeCompute struct {
	mu sync.Mutex

	servers  map[string]*servers.Server
	keypairs []string
	created  []servers.CreateOpts
	deleted  []string

	// failing makes servers with the given name end up in ERROR
	failing map[string]bool
	polls   map[string]int
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		servers: map[string]*servers.Server{},
		failing: map[string]bool{},
		polls:   map[string]int{},
	}
}

func (c *fakeCompute) CreateServer(builder servers.CreateOptsBuilder) (*servers.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := builder.(keypairs.CreateOptsExt).CreateOptsBuilder.(servers.CreateOpts)
	c.created = append(c.created, opts)

	server := &servers.Server{
		ID:       fmt.Sprintf("srv-%d", len(c.created)),
		Name:     opts.Name,
		Status:   "BUILD",
		Metadata: opts.Metadata,
		Created:  time.Now(),
	}
	c.servers[server.ID] = server
	return server, nil
}

func (c *fakeCompute) GetServer(id string) (*servers.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	server := *c.servers[id]
	// Servers become active on the second poll
	c.polls[id]++
	if c.polls[id] > 1 {
		server.Status = lo.Ternary(c.failing[server.Name], "ERROR", "ACTIVE")
		server.Fault.Message = lo.Ternary(c.failing[server.Name], "No valid host was found", "")
	}
	return &server, nil
}

func (c *fakeCompute) ListServers() ([]servers.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.MapToSlice(c.servers, func(_ string, s *servers.Server) servers.Server { return *s }), nil
}

func (c *fakeCompute) ListAddresses(id string) (map[string][]servers.Address, error) {
	return map[string][]servers.Address{
		"private": {
			{Version: 6, Address: "fd00::1"},
			{Version: 4, Address: "10.1.0." + id[len("srv-"):]},
		},
	}, nil
}

func (c *fakeCompute) DeleteServer(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[id]; !ok {
		return gophercloud.ErrDefault404{}
	}
	delete(c.servers, id)
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeCompute) CreateKeyPair(name string) (*keypairs.KeyPair, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keypairs = append(c.keypairs, name)
	return &keypairs.KeyPair{Name: name, PrivateKey: string(pem.EncodeToMemory(block))}, nil
}

func (c *fakeCompute) DeleteKeyPair(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keypairs = lo.Without(c.keypairs, name)
	return nil
}

// --- Fake shell ---

type fakeShell struct {
	host   string
	closed bool
}

func (s *fakeShell) Run(context.Context, string, io.Writer, io.Writer) error { return nil }

func (s *fakeShell) Dial(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeShell) Close() error {
	s.closed = true
	return nil
}

func fakeDialer(dialed *[]string, mu *sync.Mutex) internal.ShellDialer {
	return func(_ context.Context, host string, config internal.SSHConfig, _ *slog.Logger) (internal.Shell, error) {
		mu.Lock()
		defer mu.Unlock()
		*dialed = append(*dialed, config.Username+"@"+host)
		return &fakeShell{host: host}, nil
	}
}

func newTestProvisioner(t *testing.T, compute *fakeCompute, config Config) (*Provisioner, *[]string) {
	var dialed []string
	var mu sync.Mutex

	config.Logger = silentLogger
	p, err := newProvisioner(compute, config, fakeDialer(&dialed, &mu))
	require.NoError(t, err)
	return p, &dialed
}

// --- Tests ---

func TestProvision(t *testing.T) {
	compute := newFakeCompute()
	p, dialed := newTestProvisioner(t, compute, Config{Image: "ubuntu-22.04", Flavor: "m1.large"})
	assert.Empty(t, compute.keypairs, "the key pair is only created when provisioning")

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "cloudy", Count: 2})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, []string{"dasklaunch-" + p.name.String()}, compute.keypairs)

	for i, node := range nodes {
		assert.Equal(t, namegen.ID("cloudy").Node(i), node.Name())
		assert.Regexp(t, `^10\.1\.0\.\d$`, node.Address())
	}
	assert.ElementsMatch(t,
		lo.Map(nodes, func(n fleet.Node, _ int) string { return "ubuntu@" + n.Address() }),
		*dialed,
	)

	for _, opts := range compute.created {
		assert.Equal(t, "ubuntu-22.04", opts.ImageRef)
		assert.Equal(t, "m1.large", opts.FlavorRef)
		assert.Equal(t, "cloudy", opts.Metadata[fleet.TagFleet])
		assert.Equal(t, p.name.String(), opts.Metadata[fleet.TagProvisioner])
		assert.Nil(t, opts.UserData)
	}
}

func TestProvisionServerError(t *testing.T) {
	compute := newFakeCompute()
	fleetName := namegen.ID("stormy")
	compute.failing[fleetName.Node(1)] = true
	p, _ := newTestProvisioner(t, compute, Config{})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: fleetName, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No valid host was found")

	// Both servers exist, so both are handed back for termination
	assert.Len(t, nodes, 2)
}

func TestProvisionWaitTimeout(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{WaitTimeout: 5 * time.Millisecond})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "slow", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed while waiting for server")
	assert.Len(t, nodes, 1)
}

func TestProvisionCancelled(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	nodes, err := p.Provision(ctx, fleet.ProvisionRequest{Fleet: "cancelled", Count: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, nodes, 1, "the created server is handed back for termination")
}

func TestNodeTerminate(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{})

	nodes, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "gone", Count: 1})
	require.NoError(t, err)

	node := nodes[0].(*Node)
	require.NoError(t, node.Terminate(context.Background()))
	require.NoError(t, node.Terminate(context.Background()))

	assert.Equal(t, []string{node.ID()}, compute.deleted)
	assert.True(t, node.shell.(*fakeShell).closed)
}

func TestSweepAndList(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{})

	_, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "one", Count: 2})
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "two", Count: 1})
	require.NoError(t, err)

	// A server which does not belong to dasklaunch
	compute.servers["srv-other"] = &servers.Server{ID: "srv-other", Name: "database", Status: "ACTIVE"}

	instances, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, instances, 3)

	swept, err := p.Sweep(context.Background(), "one")
	require.NoError(t, err)
	assert.Len(t, swept, 2)

	instances, err = p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, lo.Map(instances, func(i fleet.Instance, _ int) string { return i.Fleet }))
	assert.Contains(t, compute.servers, "srv-other")
}

func TestShutdownDeletesEphemeralKeyPair(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{})

	_, err := p.Provision(context.Background(), fleet.ProvisionRequest{Fleet: "keyed", Count: 1})
	require.NoError(t, err)
	require.Len(t, compute.keypairs, 1)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, compute.keypairs)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestListAndSweepDoNotCreateKeyPair(t *testing.T) {
	compute := newFakeCompute()
	p, _ := newTestProvisioner(t, compute, Config{})

	_, err := p.List(context.Background())
	require.NoError(t, err)
	_, err = p.Sweep(context.Background(), "nothing")
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Empty(t, compute.keypairs)
}

func TestExistingKeyPair(t *testing.T) {
	compute := newFakeCompute()

	_, err := newProvisioner(compute, Config{Logger: silentLogger, KeyName: "missing", KeyDir: t.TempDir()}, internal.DialShell)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.pem")
	assert.Empty(t, compute.keypairs)
}
