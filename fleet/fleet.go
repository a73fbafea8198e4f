package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/dasklaunch/internal/retry"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyLaunched = errors.New("fleet has already been launched")

const subscriberBuffer = 64

// Fleet is a fixed-size set of nodes launched together and destroyed together.
type Fleet struct {
	name        namegen.ID
	provisioner Provisioner
	config      Config
	log         *slog.Logger

	mutex       sync.Mutex
	launched    bool
	nodes       []*nodeState
	subscribers map[chan Event]struct{}
	closed      bool

	teardownOnce sync.Once
	teardownErr  error
}

func New(provisioner Provisioner, config Config) *Fleet {
	config = config.withDefaults()
	name := namegen.Get()

	log := config.Logger.With("fleet", name)
	if config.Label != "" {
		log = log.With("label", config.Label)
	}

	return &Fleet{
		name:        name,
		provisioner: provisioner,
		config:      config,
		log:         log,

		subscribers: make(map[chan Event]struct{}),
	}
}

func (f *Fleet) Name() namegen.ID {
	return f.name
}

// Label is the human-readable name given to the fleet, it may be empty.
func (f *Fleet) Label() string {
	return f.config.Label
}

func (f *Fleet) Logger() *slog.Logger {
	return f.log
}

// Nodes returns the nodes of the fleet in launch order. The first node is node 0.
func (f *Fleet) Nodes() []Node {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return lo.Map(f.nodes, func(ns *nodeState, _ int) Node { return ns.node })
}

func (f *Fleet) InstanceIDs() []string {
	return lo.Map(f.Nodes(), func(n Node, _ int) string { return n.ID() })
}

// Status returns the status of the named node, or NodeStatusPending if the fleet has no such node yet.
func (f *Fleet) Status(name string) NodeStatus {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if ns, ok := lo.Find(f.nodes, func(ns *nodeState) bool { return ns.node.Name() == name }); ok {
		return ns.status
	}
	return NodeStatusPending
}

// Launch provisions the nodes and waits until every one of them answers the probe command.
// Nodes created before a failure stay attached to the fleet so that Teardown can destroy them.
func (f *Fleet) Launch(ctx context.Context) error {
	f.mutex.Lock()
	if f.launched {
		f.mutex.Unlock()
		return ErrAlreadyLaunched
	}
	f.launched = true
	f.mutex.Unlock()

	f.log.Info("Launching fleet", "nodes", f.config.Nodes)
	f.broadcast(EventFleetLaunching{Fleet: f.name.String(), Label: f.config.Label, Count: f.config.Nodes})

	ctx, cancel := context.WithTimeout(ctx, f.config.ReadyTimeout)
	defer cancel()

	nodes, err := f.provisioner.Provision(ctx, ProvisionRequest{Fleet: f.name, Count: f.config.Nodes})
	states := make([]*nodeState, 0, len(nodes))
	for _, node := range nodes {
		states = append(states, f.addNode(node))
	}
	if len(nodes) > 0 {
		f.broadcast(EventFleetProvisioned{InstanceIDs: lo.Map(nodes, func(n Node, _ int) string { return n.ID() })})
	}
	if err != nil {
		for _, ns := range states {
			f.setStatus(ns, NodeStatusFailed)
		}
		return fmt.Errorf("failed to provision fleet '%s': %w", f.name, err)
	}
	if len(nodes) != f.config.Nodes {
		return fmt.Errorf("failed to provision fleet '%s': got %d nodes instead of %d", f.name, len(nodes), f.config.Nodes)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ns := range states {
		group.Go(func() error {
			return f.probe(groupCtx, ns)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("fleet '%s' did not become ready: %w", f.name, err)
	}

	f.log.Info("Fleet is online", "instances", f.InstanceIDs())
	f.broadcast(EventFleetOnline{InstanceIDs: f.InstanceIDs()})
	return nil
}

func (f *Fleet) addNode(node Node) *nodeState {
	ns := &nodeState{node: node, status: NodeStatusProvisioning}

	f.mutex.Lock()
	f.nodes = append(f.nodes, ns)
	f.mutex.Unlock()

	f.log.Debug("Node created", "node", node.Name(), "instance", node.ID(), "address", node.Address())
	f.broadcast(EventNodeCreated{Node: node.Name(), ID: node.ID()})
	f.broadcast(EventNodeStatusUpdated{Node: node.Name(), Status: NodeStatusProvisioning})
	return ns
}

func (f *Fleet) setStatus(ns *nodeState, status NodeStatus) {
	f.mutex.Lock()
	ns.status = status
	f.mutex.Unlock()

	f.broadcast(EventNodeStatusUpdated{Node: ns.node.Name(), Status: status})
}

func (f *Fleet) probe(ctx context.Context, ns *nodeState) error {
	log := f.log.With("node", ns.node.Name())
	policy := retry.Policy{Attempts: f.config.ProbeAttempts, Delay: f.config.ProbeInterval, MaxDelay: 15 * time.Second}

	attempt := 0
	err := policy.Do(ctx, func() error {
		attempt++
		err := ns.node.Run(ctx, f.config.ProbeCommand, io.Discard, io.Discard)
		if err != nil {
			log.Debug("Node is not ready yet", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		f.setStatus(ns, NodeStatusFailed)
		return fmt.Errorf("node '%s' failed readiness probe after %d attempts: %w", ns.node.Name(), attempt, err)
	}

	log.Debug("Node is online")
	f.setStatus(ns, NodeStatusOnline)
	return nil
}

// Teardown terminates every node of the fleet, then sweeps the provider for instances
// tagged with the fleet name which were never handed back. Only the first call does any
// work; later calls return the same result.
func (f *Fleet) Teardown(ctx context.Context) error {
	f.teardownOnce.Do(func() {
		f.teardownErr = f.teardown(ctx)
	})
	return f.teardownErr
}

func (f *Fleet) teardown(ctx context.Context) error {
	f.mutex.Lock()
	states := append([]*nodeState(nil), f.nodes...)
	f.mutex.Unlock()

	f.log.Info("Tearing down fleet", "nodes", len(states))

	var resultMutex sync.Mutex
	var errs []error
	var terminated, failed []string

	group := errgroup.Group{}
	for _, ns := range states {
		group.Go(func() error {
			f.setStatus(ns, NodeStatusTerminating)

			err := retry.Default.Do(ctx, func() error {
				return ns.node.Terminate(ctx)
			})
			if err != nil {
				f.log.Error("Failed to terminate node", "node", ns.node.Name(), "instance", ns.node.ID(), "error", err)
				f.setStatus(ns, NodeStatusFailed)

				resultMutex.Lock()
				errs = append(errs, fmt.Errorf("failed to terminate node '%s': %w", ns.node.Name(), err))
				failed = append(failed, ns.node.ID())
				resultMutex.Unlock()
			} else {
				f.log.Debug("Node terminated", "node", ns.node.Name(), "instance", ns.node.ID())
				f.setStatus(ns, NodeStatusTerminated)

				resultMutex.Lock()
				terminated = append(terminated, ns.node.ID())
				resultMutex.Unlock()
			}

			f.broadcast(EventNodeTerminated{Node: ns.node.Name(), ID: ns.node.ID(), Err: err})
			return nil
		})
	}
	_ = group.Wait()

	// Keep launch order rather than completion order
	order := lo.Map(states, func(ns *nodeState, _ int) string { return ns.node.ID() })
	terminated = lo.Filter(order, func(id string, _ int) bool { return lo.Contains(terminated, id) })
	failed = lo.Filter(order, func(id string, _ int) bool { return lo.Contains(failed, id) })

	swept, err := f.provisioner.Sweep(ctx, f.name)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to sweep fleet '%s': %w", f.name, err))
	}
	for _, id := range swept {
		switch {
		case lo.Contains(terminated, id):
		case lo.Contains(failed, id):
			// The sweep succeeded where the node itself could not be terminated
			failed = lo.Without(failed, id)
			terminated = append(terminated, id)
		default:
			f.log.Warn("Terminated untracked instance", "instance", id)
			terminated = append(terminated, id)
		}
	}

	if len(failed) > 0 {
		f.log.Error("Fleet instances may still be running", "instances", failed)
	}
	f.log.Info("Fleet terminated", "instances", terminated)
	f.broadcast(EventFleetTerminated{
		InstanceIDs: lo.Ternary(len(terminated) > 0, terminated, nil),
		Failed:      lo.Ternary(len(failed) > 0, failed, nil),
	})
	f.closeSubscribers()

	return errors.Join(errs...)
}

// Run launches the fleet, calls fn and tears the fleet down whatever happens, including
// when fn panics or ctx is cancelled. Teardown gets its own context bounded by the
// configured teardown timeout.
func (f *Fleet) Run(ctx context.Context, fn func(context.Context, *Fleet) error) (err error) {
	defer func() {
		recovered := recover()

		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.TeardownTimeout)
		defer cancel()
		if teardownErr := f.Teardown(teardownCtx); teardownErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to tear down fleet '%s': %w", f.name, teardownErr))
		}

		if recovered != nil {
			panic(recovered)
		}
	}()

	if err := f.Launch(ctx); err != nil {
		return err
	}

	return fn(ctx, f)
}

// Run creates a fleet and runs fn against it, see Fleet.Run.
func Run(ctx context.Context, provisioner Provisioner, config Config, fn func(context.Context, *Fleet) error) error {
	if err := Validate(config); err != nil {
		return fmt.Errorf("invalid fleet config: %w", err)
	}

	return New(provisioner, config).Run(ctx, fn)
}

// Subscribe returns a channel receiving fleet events. The channel is closed once the fleet
// has been torn down, or right away when it already is. Events are dropped for subscribers
// which do not keep up.
func (f *Fleet) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subscribers[ch] = struct{}{}
	f.mutex.Unlock()

	return ch, func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()

		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
	}
}

func (f *Fleet) broadcast(event Event) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			f.log.Warn("Dropping fleet event for slow subscriber", "event", fmt.Sprintf("%T", event))
		}
	}
}

func (f *Fleet) closeSubscribers() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.closed = true
	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
}
