package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScripts(t *testing.T) {
	scripts, err := Scripts(Config{}, []string{"node-0", "node-1", "node-2"}, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, scripts, 3)

	assert.Equal(t, []Role{RoleScheduler}, scripts[0].Roles)
	assert.Equal(t,
		"mkdir -p /tmp/dasklaunch; [ -f /tmp/dasklaunch/scheduler.pid ] && kill $(cat /tmp/dasklaunch/scheduler.pid) 2>/dev/null || true; "+
			"nohup env python3 -m distributed.cli.dask_scheduler --port 8786 --dashboard-address :8787 "+
			"> /tmp/dasklaunch/scheduler.log 2>&1 < /dev/null & echo $! > /tmp/dasklaunch/scheduler.pid",
		scripts[0].Start[RoleScheduler],
	)

	for i, script := range scripts[1:] {
		assert.Equal(t, i+1, script.Index)
		assert.Equal(t, []Role{RoleWorker}, script.Roles)
		assert.Contains(t, script.Start[RoleWorker],
			"nohup env python3 -m distributed.cli.dask_worker tcp://10.0.0.1:8786 --name "+script.Node+" --nworkers 1 > /tmp/dasklaunch/worker.log",
		)
	}
}

func TestScriptsSchedulerRunsWorker(t *testing.T) {
	tests := []struct {
		mode  SchedulerWorkerMode
		nodes []string
		roles []Role
	}{
		{SchedulerWorkerAuto, []string{"a"}, []Role{RoleScheduler, RoleWorker}},
		{SchedulerWorkerAuto, []string{"a", "b"}, []Role{RoleScheduler}},
		{SchedulerWorkerAlways, []string{"a", "b"}, []Role{RoleScheduler, RoleWorker}},
		{SchedulerWorkerNever, []string{"a"}, []Role{RoleScheduler}},
	}

	for _, test := range tests {
		t.Run(string(test.mode), func(t *testing.T) {
			scripts, err := Scripts(Config{SchedulerRunsWorker: test.mode}, test.nodes, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, test.roles, scripts[0].Roles)
		})
	}
}

func TestScriptsWorkerOptions(t *testing.T) {
	config := Config{
		Python:    "/opt/venv/bin/python",
		Workspace: "/var/lib/dask work",
		Workers:   WorkerConfig{NThreads: 2, MemoryLimit: "4GB", NWorkers: 3},
		Env:       map[string]string{"B": "2", "A": "it's"},
	}

	scripts, err := Scripts(config, []string{"node-0", "node-1"}, "10.0.0.1")
	require.NoError(t, err)

	worker := scripts[1].Start[RoleWorker]
	assert.Contains(t, worker, `nohup env 'A=it'"'"'s' B=2 /opt/venv/bin/python -m distributed.cli.dask_worker tcp://10.0.0.1:8786 --name node-1 --nworkers 3 --nthreads 2 --memory-limit 4GB`)
	assert.Contains(t, worker, `> '/var/lib/dask work/worker.log'`)
	assert.Contains(t, worker, `mkdir -p '/var/lib/dask work';`)
}

func TestScriptsInstallTemplate(t *testing.T) {
	config := Config{Install: `echo {{ .Name | upper }} {{ .Index }} {{ .SchedulerAddress }} {{ .Config.Python | shellquote }}`, Python: "my python"}

	scripts, err := Scripts(config, []string{"node-0", "node-1"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "echo NODE-0 0 tcp://10.0.0.1:8786 'my python'", scripts[0].Install)
	assert.Equal(t, "echo NODE-1 1 tcp://10.0.0.1:8786 'my python'", scripts[1].Install)
}

func TestScriptsDefaultInstall(t *testing.T) {
	scripts, err := Scripts(Config{}, []string{"node-0"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, scripts[0].Install, "python3 -c 'import distributed'")
	assert.Contains(t, scripts[0].Install, "python3 -m pip install --user --quiet 'dask[distributed]'")
}

func TestScriptsErrors(t *testing.T) {
	_, err := Scripts(Config{}, nil, "10.0.0.1")
	assert.ErrorContains(t, err, "without nodes")

	_, err = Scripts(Config{Install: "{{ .Name"}, []string{"node-0"}, "10.0.0.1")
	assert.ErrorContains(t, err, "failed to parse install template")

	_, err = Scripts(Config{Install: "{{ .Missing }}"}, []string{"node-0"}, "10.0.0.1")
	assert.ErrorContains(t, err, "failed to render install script for 'node-0'")
}

func TestLogFile(t *testing.T) {
	assert.Equal(t, "/tmp/dasklaunch/worker.log", LogFile(Config{}, RoleWorker))
	assert.Equal(t, "/data/scheduler.log", LogFile(Config{Workspace: "/data"}, RoleScheduler))
}
