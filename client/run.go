package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/fatih/color"
	"github.com/gammadia/dasklaunch/client/flags"
	"github.com/gammadia/dasklaunch/client/fleetfile"
	"github.com/gammadia/dasklaunch/client/log"
	"github.com/gammadia/dasklaunch/client/ui"
	"github.com/gammadia/dasklaunch/cluster"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/gammadia/dasklaunch/namegen"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run FLEETFILE [ARGS...]",
	Short: "Launches a fleet, runs a Dask workload on it, then terminates the fleet",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := step(cmd, "Reading fleetfile")
		ff, err := fleetfile.Read(args[0], fleetfile.ReadOptions{
			Args:   args[1:],
			Params: lo.SliceToMap(lo.Must(cmd.Flags().GetStringArray("param")), func(item string) (key, value string) { key, value, _ = strings.Cut(item, "="); return }),
		})
		if err != nil {
			spinner.Fail()
			if e, ok := err.(fleetfile.UnmarshalError); ok && verbose() {
				cmd.PrintErrln(e.Source)
			}
			return fmt.Errorf("failed to read fleet from '%s': %w", args[0], err)
		}
		spinner.Success()

		fleetConfig, clusterConfig := configs(cmd, ff)
		if err := fleet.Validate(fleetConfig); err != nil {
			return fmt.Errorf("invalid fleet config: %w", err)
		}

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			return printDryRun(cmd, ff, fleetConfig, clusterConfig)
		}

		provisioner, err := newProvisioner(cmd.Context(), ff.Instance)
		if err != nil {
			return fmt.Errorf("failed to create provisioner: %w", err)
		}
		defer shutdownProvisioner(cmd.Context(), provisioner)

		f := fleet.New(provisioner, fleetConfig)
		progress := watchFleet(cmd, f, fleetConfig.Nodes)

		err = f.Run(cmd.Context(), func(ctx context.Context, f *fleet.Fleet) error {
			progress.done()

			progress.step("Bootstrapping Dask cluster")
			c, err := cluster.Bootstrap(ctx, f, clusterConfig)
			if err != nil {
				return fmt.Errorf("failed to bootstrap cluster on fleet '%s': %w", f.Name(), err)
			}
			defer c.Close()
			progress.done()

			return runWorkload(ctx, cmd, ff, c, progress)
		})
		progress.wait()

		return err
	},
}

func init() {
	runCmd.Flags().BoolP("dry-run", "n", false, "show the evaluated fleetfile and bootstrap scripts without launching anything")
	runCmd.Flags().StringArrayP("param", "p", nil, "fleetfile parameters to set")
	runCmd.Flags().Int("nodes", 0, "number of nodes, overrides the fleetfile")
	runCmd.Flags().String("collect-logs", "", "write the Dask logs of every node to this zstd-compressed tarball")
	runCmd.Flags().Bool("keep-going", false, "ignore log collection errors")
	flags.RegisterCluster(runCmd.Flags())
}

func configs(cmd *cobra.Command, ff *fleetfile.Fleetfile) (fleet.Config, cluster.Config) {
	fleetConfig := ff.FleetConfig()
	fleetConfig.Logger = log.With("component", "fleet")
	fleetConfig.ReadyTimeout = viper.GetDuration(flags.ReadyTimeout)
	fleetConfig.TeardownTimeout = viper.GetDuration(flags.TeardownTimeout)
	if cmd.Flags().Changed("nodes") {
		fleetConfig.Nodes = lo.Must(cmd.Flags().GetInt("nodes"))
	}

	clusterConfig := ff.ClusterConfig()
	clusterConfig.Logger = log.With("component", "cluster")
	clusterConfig.SchedulerPort = flags.Int(flags.SchedulerPort, clusterConfig.SchedulerPort)
	clusterConfig.DashboardPort = flags.Int(flags.DashboardPort, clusterConfig.DashboardPort)
	clusterConfig.Attempts = flags.Int(flags.Attempts, clusterConfig.Attempts)

	return fleetConfig, clusterConfig
}

func printDryRun(cmd *cobra.Command, ff *fleetfile.Fleetfile, fleetConfig fleet.Config, clusterConfig cluster.Config) error {
	cmd.Println()
	cmd.Println(ui.SectionHeaderColor.Sprint("  Fleetfile  "))
	if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(ff); err != nil {
		return err
	}

	id := namegen.Get()
	names := lo.Times(fleetConfig.Nodes, func(i int) string { return id.Node(i) })
	scripts, err := cluster.Scripts(clusterConfig, names, "<scheduler>")
	if err != nil {
		return err
	}

	for _, script := range scripts {
		cmd.Println()
		cmd.Println(ui.SectionHeaderColor.Sprintf("  %s (%s)  ", script.Node, strings.Join(lo.Map(script.Roles, func(r cluster.Role, _ int) string { return string(r) }), ", ")))
		cmd.Println(strings.TrimSpace(script.Install))
		for _, role := range script.Roles {
			cmd.Println(script.Start[role])
		}
	}
	return nil
}

func runWorkload(ctx context.Context, cmd *cobra.Command, ff *fleetfile.Fleetfile, c *cluster.Cluster, progress *fleetProgress) (err error) {
	cmd.PrintErrf("Dask dashboard: %s\n", color.HiCyanString(c.DashboardURL()))

	if output := lo.Must(cmd.Flags().GetString("collect-logs")); output != "" {
		defer func() {
			if logsErr := collectLogs(ctx, c, output, progress); logsErr != nil {
				if lo.Must(cmd.Flags().GetBool("keep-going")) {
					log.Base.Warn("Failed to collect logs", "error", logsErr)
				} else {
					err = errors.Join(err, logsErr)
				}
			}
		}()
	}

	command := shellescape.QuoteCommand(ff.Command)
	if ff.Script != "" {
		progress.step("Uploading script")
		file, err := os.Open(ff.ScriptPath())
		if err != nil {
			return fmt.Errorf("failed to open script: %w", err)
		}
		defer file.Close()

		remote, err := c.Upload(ctx, path.Base(ff.ScriptPath()), file)
		if err != nil {
			return err
		}
		progress.done()
		command = shellescape.QuoteCommand([]string{c.Config().Python, remote})
	}

	return c.Submit(ctx, command, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func collectLogs(ctx context.Context, c *cluster.Cluster, output string, progress *fleetProgress) error {
	progress.step("Collecting logs")

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", output, err)
	}
	defer file.Close()

	if err := c.CollectLogs(ctx, file); err != nil {
		return fmt.Errorf("failed to collect logs: %w", err)
	}
	progress.done()
	return nil
}

// step starts a spinner, or prints a section header with verbose output as logs would garble
// the spinner.
func step(cmd *cobra.Command, msg string) *ui.Spinner {
	if verbose() {
		cmd.PrintErrln(ui.SectionHeaderColor.Sprintf("  %s  ", msg))
		return nil
	}
	return ui.NewSpinner(msg)
}

// fleetProgress reports the progress of a run from the fleet events and the steps of the
// workload.
type fleetProgress struct {
	cmd     *cobra.Command
	mutex   sync.Mutex
	current *ui.Spinner
	// launching is kept apart so that late node events never update another step
	launching *ui.Spinner
	finished  chan struct{}
}

func watchFleet(cmd *cobra.Command, f *fleet.Fleet, nodes int) *fleetProgress {
	p := &fleetProgress{cmd: cmd, finished: make(chan struct{})}
	p.launching = step(cmd, fmt.Sprintf("Launching fleet %s with %d nodes", fleetTitle(f), nodes))
	p.current = p.launching

	events, unsubscribe := f.Subscribe()
	go func() {
		defer close(p.finished)
		defer unsubscribe()

		online := 0
		tearingDown := false
		for event := range events {
			switch event := event.(type) {
			case fleet.EventFleetProvisioned:
				p.print("Launched instances: %v\n", event.InstanceIDs)

			case fleet.EventNodeStatusUpdated:
				if event.Status == fleet.NodeStatusOnline {
					online++
					p.launching.UpdateMessage(fmt.Sprintf("Launching fleet %s (%d/%d nodes online)", fleetTitle(f), online, nodes))
				}

			case fleet.EventNodeTerminated:
				if !tearingDown {
					tearingDown = true
					p.fail()
					p.step("Terminating fleet")
				}

			case fleet.EventFleetTerminated:
				// Without any node, the launch step is still the current one
				if tearingDown {
					p.done()
				} else {
					p.fail()
				}
				p.print("Terminated instances: %v\n", event.InstanceIDs)
				if len(event.Failed) > 0 {
					p.print("%s\n", color.RedString("Failed to terminate instances, they may still be running: %v", event.Failed))
				}
			}
		}
	}()

	return p
}

// fleetTitle names the fleet by its label when it has one.
func fleetTitle(f *fleet.Fleet) string {
	if f.Label() == "" {
		return fmt.Sprintf("'%s'", f.Name())
	}
	return fmt.Sprintf("'%s' (%s)", f.Label(), f.Name())
}

func (p *fleetProgress) print(format string, args ...any) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cmd.Printf(format, args...)
}

func (p *fleetProgress) step(msg string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current = step(p.cmd, msg)
}

func (p *fleetProgress) done() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current.Success()
	p.current = nil
}

func (p *fleetProgress) fail() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current.Fail()
	p.current = nil
}

// wait blocks until the fleet is torn down and every event is reported.
func (p *fleetProgress) wait() {
	<-p.finished
}
