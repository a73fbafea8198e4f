package fleetfile

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"time"

	"github.com/gammadia/dasklaunch/cluster"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/samber/lo"
)

const FleetfileVersion = "1"

type Fleetfile struct {
	path string

	Version  string            `yaml:"version"`
	Name     string            `yaml:"name"`
	Nodes    int               `yaml:"nodes"`
	Instance Instance          `yaml:"instance,omitempty"`
	Dask     Dask              `yaml:"dask,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	// Script is a Python file uploaded to the scheduler node and run there
	Script  string   `yaml:"script,omitempty"`
	Command []string `yaml:"command,omitempty"`
}

// Instance overrides the provider flags for the nodes of the fleet.
type Instance struct {
	Type            string   `yaml:"type,omitempty"`
	Image           string   `yaml:"image,omitempty"`
	Region          string   `yaml:"region,omitempty"`
	Subnet          string   `yaml:"subnet,omitempty"`
	SecurityGroups  []string `yaml:"security-groups,omitempty"`
	KeyName         string   `yaml:"key-name,omitempty"`
	InstanceProfile string   `yaml:"instance-profile,omitempty"`
	PlacementGroup  string   `yaml:"placement-group,omitempty"`
	UserData        string   `yaml:"user-data,omitempty"`
}

type Dask struct {
	Install             string `yaml:"install,omitempty"`
	Python              string `yaml:"python,omitempty"`
	SchedulerPort       int    `yaml:"scheduler-port,omitempty"`
	DashboardPort       int    `yaml:"dashboard-port,omitempty"`
	NThreads            int    `yaml:"nthreads,omitempty"`
	MemoryLimit         string `yaml:"memory-limit,omitempty"`
	WorkersPerNode      int    `yaml:"workers-per-node,omitempty"`
	SchedulerRunsWorker string `yaml:"scheduler-runs-worker,omitempty"`
	ReadyTimeout        string `yaml:"ready-timeout,omitempty"`
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]+$`)

func (fleetfile Fleetfile) Validate() error {
	if fleetfile.Version != FleetfileVersion {
		return fmt.Errorf("unsupported version '%s'", fleetfile.Version)
	}

	if !nameRegex.MatchString(fleetfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	if fleetfile.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1")
	}

	if (fleetfile.Script == "") == (len(fleetfile.Command) == 0) {
		return fmt.Errorf("exactly one of script and command is required")
	}
	if fleetfile.Script != "" {
		if info, err := os.Stat(fleetfile.ScriptPath()); err != nil || info.IsDir() {
			return fmt.Errorf("script must be an existing file on disk")
		}
	}

	if fleetfile.Dask.ReadyTimeout != "" {
		if _, err := time.ParseDuration(fleetfile.Dask.ReadyTimeout); err != nil {
			return fmt.Errorf("dask.ready-timeout is not a valid duration: %w", err)
		}
	}

	if err := cluster.Validate(fleetfile.ClusterConfig()); err != nil {
		return err
	}

	return nil
}

// ScriptPath is the path of the script, relative paths being resolved from the fleetfile directory.
func (fleetfile Fleetfile) ScriptPath() string {
	if path.IsAbs(fleetfile.Script) {
		return fleetfile.Script
	}
	return path.Join(fleetfile.path, fleetfile.Script)
}

// FleetConfig converts the fleet sizing, the fleetfile name labels the fleet in logs and progress.
func (fleetfile Fleetfile) FleetConfig() fleet.Config {
	return fleet.Config{Label: fleetfile.Name, Nodes: fleetfile.Nodes}
}

// ClusterConfig converts the dask section. Unset values are left for cluster defaults.
func (fleetfile Fleetfile) ClusterConfig() cluster.Config {
	readyTimeout, _ := time.ParseDuration(lo.Ternary(fleetfile.Dask.ReadyTimeout != "", fleetfile.Dask.ReadyTimeout, "0s"))

	return cluster.Config{
		SchedulerPort: fleetfile.Dask.SchedulerPort,
		DashboardPort: fleetfile.Dask.DashboardPort,
		Install:       fleetfile.Dask.Install,
		Python:        fleetfile.Dask.Python,
		Workers: cluster.WorkerConfig{
			NThreads:    fleetfile.Dask.NThreads,
			MemoryLimit: fleetfile.Dask.MemoryLimit,
			NWorkers:    fleetfile.Dask.WorkersPerNode,
		},
		SchedulerRunsWorker: cluster.SchedulerWorkerMode(fleetfile.Dask.SchedulerRunsWorker),
		Env:                 fleetfile.Env,
		ReadyTimeout:        readyTimeout,
	}
}

