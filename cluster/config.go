package cluster

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

type SchedulerWorkerMode string

const (
	// SchedulerWorkerAuto runs a worker next to the scheduler only on single-node fleets.
	SchedulerWorkerAuto   SchedulerWorkerMode = "auto"
	SchedulerWorkerAlways SchedulerWorkerMode = "always"
	SchedulerWorkerNever  SchedulerWorkerMode = "never"
)

type WorkerConfig struct {
	NThreads    int    `json:"nthreads" yaml:"nthreads"`
	MemoryLimit string `json:"memory-limit" yaml:"memory-limit"`
	NWorkers    int    `json:"nworkers" yaml:"nworkers"`
}

type Config struct {
	Logger *slog.Logger `json:"-"`

	SchedulerPort int `json:"scheduler-port"`
	DashboardPort int `json:"dashboard-port"`
	// Install is a template rendered for every node and run before Dask is started
	Install string `json:"install"`
	Python  string `json:"python"`
	// Workspace is the directory holding Dask logs and pid files on the nodes
	Workspace           string              `json:"workspace"`
	Workers             WorkerConfig        `json:"workers"`
	SchedulerRunsWorker SchedulerWorkerMode `json:"scheduler-runs-worker"`
	Env                 map[string]string   `json:"env"`

	Attempts    int `json:"attempts"`
	Parallelism int `json:"parallelism"`
	// ReadyTimeout bounds each wait for the scheduler and the workers, installs are not included
	ReadyTimeout time.Duration `json:"ready-timeout"`
	PollInterval time.Duration `json:"poll-interval"`
}

const DefaultInstall = `set -e
if ! {{ .Config.Python | shellquote }} -c 'import distributed' >/dev/null 2>&1; then
  if ! {{ .Config.Python | shellquote }} -m pip --version >/dev/null 2>&1; then
    if command -v apt-get >/dev/null 2>&1; then
      sudo apt-get update -q && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q python3-pip
    elif command -v dnf >/dev/null 2>&1; then
      sudo dnf install -y -q python3-pip
    else
      sudo yum install -y -q python3-pip
    fi
  fi
  {{ .Config.Python | shellquote }} -m pip install --user --quiet 'dask[distributed]'
fi`

const (
	DefaultSchedulerPort = 8786
	DefaultDashboardPort = 8787
	DefaultPython        = "python3"
	DefaultWorkspace     = "/tmp/dasklaunch"
	DefaultAttempts      = 3
	DefaultParallelism   = 8
	DefaultReadyTimeout  = 5 * time.Minute
	DefaultPollInterval  = 2 * time.Second
)

var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var memoryLimitRegex = regexp.MustCompile(`^(auto|[0-9]+(\.[0-9]+)?\s*([kKmMgGtT]i?[bB]?|[bB])?)$`)

func Validate(config Config) error {
	for name, port := range map[string]int{"scheduler-port": config.SchedulerPort, "dashboard-port": config.DashboardPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be a valid port number", name)
		}
	}
	if config.SchedulerPort != 0 && config.SchedulerPort == config.DashboardPort {
		return fmt.Errorf("scheduler-port and dashboard-port must differ")
	}

	switch config.SchedulerRunsWorker {
	case "", SchedulerWorkerAuto, SchedulerWorkerAlways, SchedulerWorkerNever:
	default:
		return fmt.Errorf("unsupported scheduler-runs-worker '%s'", config.SchedulerRunsWorker)
	}

	if config.Workers.NThreads < 0 {
		return fmt.Errorf("workers.nthreads must not be negative")
	}
	if config.Workers.NWorkers < 0 {
		return fmt.Errorf("workers.nworkers must not be negative")
	}
	if config.Workers.MemoryLimit != "" && !memoryLimitRegex.MatchString(config.Workers.MemoryLimit) {
		return fmt.Errorf("workers.memory-limit '%s' is not a valid memory size", config.Workers.MemoryLimit)
	}

	for key := range config.Env {
		if !envKeyRegex.MatchString(key) {
			return fmt.Errorf("env[%s] must be a valid environment variable identifier", key)
		}
	}

	if config.Attempts < 0 || config.Parallelism < 0 {
		return fmt.Errorf("attempts and parallelism must not be negative")
	}
	if config.ReadyTimeout < 0 || config.PollInterval < 0 {
		return fmt.Errorf("ready-timeout and poll-interval must not be negative")
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SchedulerPort == 0 {
		c.SchedulerPort = DefaultSchedulerPort
	}
	if c.DashboardPort == 0 {
		c.DashboardPort = DefaultDashboardPort
	}
	if c.Install == "" {
		c.Install = DefaultInstall
	}
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.Workspace == "" {
		c.Workspace = DefaultWorkspace
	}
	if c.Workers.NWorkers == 0 {
		c.Workers.NWorkers = 1
	}
	if c.SchedulerRunsWorker == "" {
		c.SchedulerRunsWorker = SchedulerWorkerAuto
	}
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// schedulerRunsWorker tells whether node 0 also hosts a worker for a fleet of the given size.
func (c Config) schedulerRunsWorker(nodes int) bool {
	switch c.SchedulerRunsWorker {
	case SchedulerWorkerAlways:
		return true
	case SchedulerWorkerNever:
		return false
	default:
		return nodes == 1
	}
}
