package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/gammadia/dasklaunch/provisioner/internal"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

const tagName = "Name"

type Provisioner struct {
	name   namegen.ID
	config Config
	api    API
	log    *slog.Logger
	dial   internal.ShellDialer

	keyMutex     sync.Mutex
	keyName      string
	ephemeralKey bool
	privateKey   ssh.Signer
}

// Provisioner implements fleet.Provisioner
var _ fleet.Provisioner = (*Provisioner)(nil)

// New loads the AWS configuration from the environment and the shared config files.
func New(ctx context.Context, config Config) (*Provisioner, error) {
	config = config.withDefaults()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(config.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newProvisioner(ec2.NewFromConfig(cfg), config, internal.DialShell)
}

func newProvisioner(api API, config Config, dial internal.ShellDialer) (*Provisioner, error) {
	config = config.withDefaults()
	name := namegen.Get()

	p := &Provisioner{
		name:   name,
		config: config,
		api:    api,
		log:    config.Logger.With("component", "provisioner", "provisioner", name, "region", config.Region),
		dial:   dial,
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
// instances needs no write access to the account.
func (p *Provisioner) ensureKeyPair(ctx context.Context) error {
	p.keyMutex.Lock()
	defer p.keyMutex.Unlock()

	if p.privateKey != nil {
		return nil
	}

	keyName := fmt.Sprintf("dasklaunch-%s", p.name)
	keypair, err := p.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(keyName),
		KeyType:   types.KeyTypeEd25519,
		KeyFormat: types.KeyFormatPem,
	})
	if err != nil {
		return fmt.Errorf("failed to create key pair: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(aws.ToString(keypair.KeyMaterial)))
	if err != nil {
		_, _ = p.api.DeleteKeyPair(context.WithoutCancel(ctx), &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)})
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	p.log.Debug("Created ephemeral key pair", "keypair", keyName)
	p.keyName, p.privateKey, p.ephemeralKey = keyName, signer, true
	return nil
}

// Provision launches all the instances of the fleet with a single request, then waits for them
// to be running and reachable through SSH.
func (p *Provisioner) Provision(ctx context.Context, req fleet.ProvisionRequest) ([]fleet.Node, error) {
	log := p.log.With("fleet", req.Fleet)

	if err := p.ensureKeyPair(ctx); err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(p.config.ImageID),
		InstanceType:     types.InstanceType(p.config.InstanceType),
		MinCount:         aws.Int32(int32(req.Count)),
		MaxCount:         aws.Int32(int32(req.Count)),
		KeyName:          aws.String(p.keyName),
		SecurityGroupIds: p.config.SecurityGroupIDs,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(fleet.TagFleet), Value: aws.String(req.Fleet.String())},
				{Key: aws.String(fleet.TagProvisioner), Value: aws.String(p.name.String())},
			},
		}},
	}
	if p.config.SubnetID != "" {
		input.SubnetId = aws.String(p.config.SubnetID)
	}
	if p.config.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(p.config.UserData)))
	}
	if p.config.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(p.config.InstanceProfile)}
	}
	if p.config.PlacementGroup != "" {
		input.Placement = &types.Placement{GroupName: aws.String(p.config.PlacementGroup)}
	}

	out, err := p.api.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %d instances for fleet '%s': %w", req.Count, req.Fleet, err)
	}

	nodes := lo.Map(out.Instances, func(instance types.Instance, i int) *Node {
		name := req.Fleet.Node(i)
		return &Node{
			id:   aws.ToString(instance.InstanceId),
			name: name,
			api:  p.api,
			log:  log.With("node", name, "instance", aws.ToString(instance.InstanceId)),
		}
	})
	result := lo.Map(nodes, func(n *Node, _ int) fleet.Node { return n })
	log.Debug("Launched instances, waiting for them to be running", "instances", lo.Map(nodes, func(n *Node, _ int) string { return n.id }))

	if err := p.waitForRunning(ctx, nodes); err != nil {
		return result, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		group.Go(func() (err error) {
			node.shell, err = p.dial(groupCtx, node.address, internal.SSHConfig{
				Username:    p.config.SSHUsername,
				Signer:      p.privateKey,
				InitialWait: 5 * time.Second,
			}, node.log)
			if err != nil {
				return fmt.Errorf("failed to connect to instance '%s': %w", node.name, err)
			}
			node.log.Debug("Instance is reachable", "address", node.address)
			return nil
		})
	}
	return result, group.Wait()
}

func (p *Provisioner) waitForRunning(ctx context.Context, nodes []*Node) error {
	ids := lo.Map(nodes, func(n *Node, _ int) string { return n.id })

	for _, node := range nodes {
		_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{node.id},
			Tags:      []types.Tag{{Key: aws.String(tagName), Value: aws.String(node.name)}},
		})
		if err != nil {
			return fmt.Errorf("failed to tag instance '%s': %w", node.id, err)
		}
	}

	waiter := ec2.NewInstanceRunningWaiter(p.api, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = p.config.PollInterval
		o.MaxDelay = max(o.MaxDelay, p.config.PollInterval)
	})
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, p.config.WaitTimeout)
	if err != nil {
		return fmt.Errorf("failed while waiting for instances to be running after %s: %w", p.config.WaitTimeout, err)
	}

	instances := lo.KeyBy(instancesOf(out), func(i types.Instance) string { return aws.ToString(i.InstanceId) })
	for _, node := range nodes {
		instance, ok := instances[node.id]
		if !ok {
			return fmt.Errorf("instance '%s' is missing from the description of the fleet", node.id)
		}

		node.privateAddress = aws.ToString(instance.PrivateIpAddress)
		node.address = p.address(instance)
		if node.address == "" {
			return fmt.Errorf("failed to find an address for instance '%s'", node.id)
		}
	}
	return nil
}

func (p *Provisioner) address(instance types.Instance) string {
	if p.config.UsePrivateAddress {
		return aws.ToString(instance.PrivateIpAddress)
	}
	for _, address := range []*string{instance.PublicDnsName, instance.PublicIpAddress, instance.PrivateIpAddress} {
		if aws.ToString(address) != "" {
			return *address
		}
	}
	return ""
}

// Sweep terminates every instance of the fleet which is not terminated yet.
func (p *Provisioner) Sweep(ctx context.Context, fleetName namegen.ID) ([]string, error) {
	instances, err := p.describe(ctx, types.Filter{
		Name:   aws.String("tag:" + fleet.TagFleet),
		Values: []string{fleetName.String()},
	})
	if err != nil {
		return nil, err
	}

	ids := lo.Map(instances, func(i types.Instance, _ int) string { return aws.ToString(i.InstanceId) })
	if len(ids) == 0 {
		return nil, nil
	}

	p.log.Debug("Terminating fleet instances", "fleet", fleetName, "instances", ids)
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to terminate instances of fleet '%s': %w", fleetName, err)
	}
	return ids, nil
}

func (p *Provisioner) List(ctx context.Context) ([]fleet.Instance, error) {
	instances, err := p.describe(ctx, types.Filter{
		Name:   aws.String("tag-key"),
		Values: []string{fleet.TagFleet},
	})
	if err != nil {
		return nil, err
	}

	return lo.Map(instances, func(instance types.Instance, _ int) fleet.Instance {
		return fleet.Instance{
			ID:         aws.ToString(instance.InstanceId),
			Name:       tag(instance, tagName),
			Fleet:      tag(instance, fleet.TagFleet),
			Status:     string(instanceState(instance)),
			Address:    p.address(instance),
			LaunchedAt: aws.ToTime(instance.LaunchTime),
		}
	}), nil
}

// describe returns the instances matching the filter, terminated ones excluded.
func (p *Provisioner) describe(ctx context.Context, filter types.Filter) ([]types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{filter, {
			Name: aws.String("instance-state-name"),
			Values: lo.Map(
				[]types.InstanceStateName{
					types.InstanceStateNamePending,
					types.InstanceStateNameRunning,
					types.InstanceStateNameStopping,
					types.InstanceStateNameStopped,
					types.InstanceStateNameShuttingDown,
				},
				func(s types.InstanceStateName, _ int) string { return string(s) },
			),
		}},
	}

	var instances []types.Instance
	paginator := ec2.NewDescribeInstancesPaginator(p.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		instances = append(instances, instancesOf(page)...)
	}
	return instances, nil
}

// Shutdown deletes the ephemeral key pair, if any.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	p.keyMutex.Lock()
	defer p.keyMutex.Unlock()

	if !p.ephemeralKey {
		return nil
	}

	_, err := p.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(p.keyName)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete key pair '%s': %w", p.keyName, err)
	}
	p.ephemeralKey = false
	return nil
}

func instancesOf(out *ec2.DescribeInstancesOutput) []types.Instance {
	return lo.FlatMap(out.Reservations, func(r types.Reservation, _ int) []types.Instance { return r.Instances })
}

func instanceState(instance types.Instance) types.InstanceStateName {
	if instance.State == nil {
		return ""
	}
	return instance.State.Name
}

func tag(instance types.Instance, key string) string {
	t, _ := lo.Find(instance.Tags, func(t types.Tag) bool { return aws.ToString(t.Key) == key })
	return aws.ToString(t.Value)
}
