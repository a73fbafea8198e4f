package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/internal/retry"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var ErrFleetNotLaunched = errors.New("fleet has no nodes")

// outputTail is the number of output lines of a failed command kept in its error
const outputTail = 20

// Bootstrap installs Dask on every node of a launched fleet, starts the scheduler on node 0
// and the workers, then waits until every worker has registered with the scheduler.
func Bootstrap(ctx context.Context, f *fleet.Fleet, config Config) (*Cluster, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	config = config.withDefaults()

	nodes := f.Nodes()
	if len(nodes) == 0 {
		return nil, ErrFleetNotLaunched
	}

	scripts, err := Scripts(config, lo.Map(nodes, func(n fleet.Node, _ int) string { return n.Name() }), nodes[0].PrivateAddress())
	if err != nil {
		return nil, err
	}

	c := newCluster(f, config, scripts)
	b := &bootstrapper{cluster: c, nodes: nodes, config: config, log: c.log}

	if err := b.bootstrap(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type bootstrapper struct {
	cluster *Cluster
	nodes   []fleet.Node
	config  Config
	log     *slog.Logger
}

func (b *bootstrapper) bootstrap(ctx context.Context) error {
	b.log.Info("Installing Dask", "nodes", len(b.nodes))
	if err := b.forEach(ctx, func(ctx context.Context, script NodeScript) error {
		return b.run(ctx, b.nodes[script.Index], "install", script.Install)
	}); err != nil {
		return err
	}

	b.log.Info("Starting scheduler", "node", b.nodes[0].Name(), "address", b.cluster.SchedulerAddress())
	if err := b.run(ctx, b.nodes[0], "start scheduler", b.cluster.scripts[0].Start[RoleScheduler]); err != nil {
		return err
	}
	if err := b.waitForScheduler(ctx); err != nil {
		return err
	}

	b.log.Info("Starting workers", "nodes", len(b.cluster.workers))
	if err := b.forEach(ctx, func(ctx context.Context, script NodeScript) error {
		command, ok := script.Start[RoleWorker]
		if !ok {
			return nil
		}
		return b.run(ctx, b.nodes[script.Index], "start worker", command)
	}); err != nil {
		return err
	}

	return b.waitForWorkers(ctx, len(b.cluster.workers)*b.config.Workers.NWorkers)
}

// forEach runs fn for every node script, at most Parallelism at a time.
func (b *bootstrapper) forEach(ctx context.Context, fn func(context.Context, NodeScript) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.config.Parallelism)

	for _, script := range b.cluster.scripts {
		group.Go(func() error {
			return fn(groupCtx, script)
		})
	}
	return group.Wait()
}

// run executes a bootstrap command on node, retrying it on failure. The tail of the output of
// the last attempt is kept in the returned error.
func (b *bootstrapper) run(ctx context.Context, node fleet.Node, step, command string) error {
	log := b.log.With("node", node.Name(), "step", step)
	policy := retry.Policy{Attempts: b.config.Attempts, Delay: time.Second, MaxDelay: 10 * time.Second}

	var output syncBuffer
	attempt := 0
	err := policy.Do(ctx, func() error {
		attempt++
		output.Reset()

		err := node.Run(ctx, command, &output, &output)
		if err != nil {
			log.Debug("Bootstrap command failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		if tail := tailLines(output.String(), outputTail); tail != "" {
			return fmt.Errorf("failed to %s on node '%s' after %d attempts: %w\n%s", step, node.Name(), attempt, err, tail)
		}
		return fmt.Errorf("failed to %s on node '%s' after %d attempts: %w", step, node.Name(), attempt, err)
	}

	log.Debug("Bootstrap command succeeded")
	return nil
}

func (b *bootstrapper) waitForScheduler(ctx context.Context) error {
	err := b.poll(ctx, func(ctx context.Context) (bool, error) {
		err := b.cluster.Healthy(ctx)
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("scheduler on node '%s' did not become healthy: %w", b.nodes[0].Name(), err)
	}

	b.log.Debug("Scheduler is healthy")
	return nil
}

func (b *bootstrapper) waitForWorkers(ctx context.Context, expected int) error {
	var registered int
	err := b.poll(ctx, func(ctx context.Context) (bool, error) {
		counts, err := b.cluster.Counts(ctx)
		if err != nil {
			return false, err
		}
		if counts.Workers != registered {
			registered = counts.Workers
			b.log.Debug("Workers registered", "workers", registered, "expected", expected)
		}
		return counts.Workers >= expected, nil
	})
	if err != nil {
		return fmt.Errorf("only %d of %d workers registered with the scheduler: %w", registered, expected, err)
	}

	b.log.Info("Cluster is ready", "scheduler", b.cluster.SchedulerAddress(), "workers", registered)
	return nil
}

// poll calls check every PollInterval until it reports done, for at most ReadyTimeout. The last
// error returned by check is reported along with the context error. Installing and starting
// Dask is only bounded by ctx and the retries of each command.
func (b *bootstrapper) poll(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		done, err := check(ctx)
		if done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return errors.Join(ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func tailLines(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// syncBuffer lets stdout and stderr of a command, copied by separate goroutines, share one buffer.
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.buf.Reset()
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}
