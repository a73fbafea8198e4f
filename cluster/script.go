package cluster

import (
	"fmt"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
)

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
)

// NodeScript holds the shell commands run on one node to bring up its part of the cluster.
type NodeScript struct {
	Node    string
	Index   int
	Roles   []Role
	Install string
	// Start maps each role of the node to the command starting its Dask process
	Start map[Role]string
}

type TemplateData struct {
	Name             string
	Index            int
	SchedulerAddress string
	Config           Config
}

// Scripts renders the bootstrap commands of every node. nodes[0] is the scheduler, and
// schedulerHost is the address the other nodes use to reach it.
func Scripts(config Config, nodes []string, schedulerHost string) ([]NodeScript, error) {
	config = config.withDefaults()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cannot bootstrap a cluster without nodes")
	}

	tmpl, err := template.New("install").Funcs(sprig.TxtFuncMap()).Funcs(template.FuncMap{
		"shellquote": shellescape.Quote,
	}).Parse(config.Install)
	if err != nil {
		return nil, fmt.Errorf("failed to parse install template: %w", err)
	}

	schedulerAddress := schedulerURL(schedulerHost, config.SchedulerPort)

	scripts := make([]NodeScript, 0, len(nodes))
	for i, name := range nodes {
		var install strings.Builder
		if err := tmpl.Execute(&install, TemplateData{
			Name:             name,
			Index:            i,
			SchedulerAddress: schedulerAddress,
			Config:           config,
		}); err != nil {
			return nil, fmt.Errorf("failed to render install script for '%s': %w", name, err)
		}

		script := NodeScript{
			Node:    name,
			Index:   i,
			Install: install.String(),
			Start:   map[Role]string{},
		}
		if i == 0 {
			script.Roles = append(script.Roles, RoleScheduler)
			script.Start[RoleScheduler] = schedulerCommand(config)
		}
		if i > 0 || config.schedulerRunsWorker(len(nodes)) {
			script.Roles = append(script.Roles, RoleWorker)
			script.Start[RoleWorker] = workerCommand(config, schedulerAddress, name)
		}
		scripts = append(scripts, script)
	}

	return scripts, nil
}

func schedulerURL(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func schedulerCommand(config Config) string {
	return daemonCommand(config, RoleScheduler, "distributed.cli.dask_scheduler",
		"--port", strconv.Itoa(config.SchedulerPort),
		"--dashboard-address", ":"+strconv.Itoa(config.DashboardPort),
	)
}

func workerCommand(config Config, schedulerAddress, name string) string {
	args := []string{schedulerAddress, "--name", name, "--nworkers", strconv.Itoa(config.Workers.NWorkers)}
	if config.Workers.NThreads > 0 {
		args = append(args, "--nthreads", strconv.Itoa(config.Workers.NThreads))
	}
	if config.Workers.MemoryLimit != "" {
		args = append(args, "--memory-limit", config.Workers.MemoryLimit)
	}
	return daemonCommand(config, RoleWorker, "distributed.cli.dask_worker", args...)
}

// daemonCommand starts a detached Dask process. A process left over by a previous attempt is
// killed first so that the command can be retried.
func daemonCommand(config Config, role Role, module string, args ...string) string {
	pidFile := shellescape.Quote(path.Join(config.Workspace, string(role)+".pid"))
	logFile := shellescape.Quote(LogFile(config, role))

	command := append([]string{"nohup", "env"}, environment(config.Env)...)
	command = append(command, config.Python, "-m", module)
	command = append(command, args...)

	return fmt.Sprintf(
		"mkdir -p %s; [ -f %s ] && kill $(cat %s) 2>/dev/null || true; %s > %s 2>&1 < /dev/null & echo $! > %s",
		shellescape.Quote(config.Workspace),
		pidFile, pidFile,
		shellescape.QuoteCommand(command),
		logFile,
		pidFile,
	)
}

// LogFile is the remote path of the log written by a Dask process of the given role.
func LogFile(config Config, role Role) string {
	return path.Join(config.withDefaults().Workspace, string(role)+".log")
}

// environment returns KEY=value pairs sorted by key.
func environment(env map[string]string) []string {
	keys := lo.Keys(env)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) string {
		return key + "=" + env[key]
	})
}
