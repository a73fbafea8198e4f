package fleetfile

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/gammadia/dasklaunch/cluster"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validatetests = []struct {
	file     string
	expected string
}{
	{"testdata/valid_minimal.yaml", ""},
	{"testdata/valid_full.yaml", ""},

	{"testdata/invalid_version.yaml", "validate: unsupported version '42'"},
	{"testdata/invalid_name.yaml", "validate: name must be a valid identifier"},
	{"testdata/invalid_nodes.yaml", "validate: nodes must be at least 1"},
	{"testdata/invalid_script_and_command.yaml", "validate: exactly one of script and command is required"},
	{"testdata/invalid_missing_run.yaml", "validate: exactly one of script and command is required"},
	{"testdata/invalid_script.yaml", "validate: script must be an existing file on disk"},
	{"testdata/invalid_env_keys.yaml", "validate: env[0/2] must be a valid environment variable identifier"},
	{"testdata/invalid_scheduler_runs_worker.yaml", "validate: unsupported scheduler-runs-worker 'sometimes'"},
	{"testdata/invalid_memory_limit.yaml", "validate: workers.memory-limit 'lots' is not a valid memory size"},
	{"testdata/invalid_ready_timeout.yaml", "validate: dask.ready-timeout is not a valid duration"},
	{"testdata/invalid_unknown_field.yaml", "field nodez not found in type fleetfile.Fleetfile"},
}

func TestFleetfileValidate(t *testing.T) {
	for _, tt := range validatetests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Read(tt.file, ReadOptions{})
			if tt.expected == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expected)
			assert.ErrorAs(t, err, &UnmarshalError{})
		})
	}
}

func TestRead(t *testing.T) {
	fleetfile, err := Read("testdata/valid_full.yaml", ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "full-analysis", fleetfile.Name)
	assert.Equal(t, 4, fleetfile.Nodes)
	assert.Equal(t, Instance{
		Type:            "t3.large",
		Image:           "ami-0123456789abcdef0",
		Region:          "eu-central-1",
		Subnet:          "subnet-0abc",
		SecurityGroups:  []string{"sg-0abc", "sg-0def"},
		KeyName:         "analysis",
		InstanceProfile: "dask-role",
		PlacementGroup:  "analysis",
		UserData:        "#!/bin/sh\necho ready\n",
	}, fleetfile.Instance)
	assert.Equal(t, path.Join(lo.Must(os.Getwd()), "testdata", "analysis.py"), fleetfile.ScriptPath())

	assert.Equal(t, fleet.Config{Label: "full-analysis", Nodes: 4}, fleetfile.FleetConfig())
	assert.Equal(t, cluster.Config{
		SchedulerPort: 9786,
		DashboardPort: 9787,
		Install:       "{{ .Config.Python | shellquote }} -m pip install --quiet 'dask[distributed]' 'pandas'\n",
		Python:        "python3.11",
		Workers: cluster.WorkerConfig{
			NThreads:    2,
			MemoryLimit: "4GB",
			NWorkers:    2,
		},
		SchedulerRunsWorker: cluster.SchedulerWorkerAlways,
		Env:                 map[string]string{"DATA_BUCKET": "s3://analysis"},
		ReadyTimeout:        10 * time.Minute,
	}, fleetfile.ClusterConfig())
}

func TestReadTemplate(t *testing.T) {
	t.Setenv("SHELL", "sh")
	t.Setenv("DASKLAUNCH_TEST_BUCKET", "s3://bucket")

	file := path.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`version: "1"
name: {{ index .Args 0 }}
nodes: {{ .Params.nodes | default "2" }}
env:
  BUCKET: {{ .Env.DASKLAUNCH_TEST_BUCKET }}
  GREETING: {{ shell "echo hello" | upper }}
command: [{{ .Args | rest | join ", " }}]
`), 0644))

	fleetfile, err := Read(file, ReadOptions{Args: []string{"templated", "python3", "-V"}})
	require.NoError(t, err)
	assert.Equal(t, "templated", fleetfile.Name)
	assert.Equal(t, 2, fleetfile.Nodes)
	assert.Equal(t, map[string]string{"BUCKET": "s3://bucket", "GREETING": "HELLO"}, fleetfile.Env)
	assert.Equal(t, []string{"python3", "-V"}, fleetfile.Command)

	fleetfile, err = Read(file, ReadOptions{Args: []string{"templated", "true"}, Params: map[string]string{"nodes": "8"}})
	require.NoError(t, err)
	assert.Equal(t, 8, fleetfile.Nodes)
}

func TestReadErrors(t *testing.T) {
	_, err := Read("testdata/missing.yaml", ReadOptions{})
	assert.ErrorContains(t, err, "read file")

	file := path.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`name: {{ .Nope`), 0644))
	_, err = Read(file, ReadOptions{})
	assert.ErrorContains(t, err, "evaluate template: failed to parse template")

	require.NoError(t, os.WriteFile(file, []byte("version: \"1\"\nname: {{ .Params.name }}\nnodes: 0\n"), 0644))
	_, err = Read(file, ReadOptions{Params: map[string]string{"name": "sources"}})
	var unmarshalErr UnmarshalError
	require.ErrorAs(t, err, &unmarshalErr)
	assert.Contains(t, unmarshalErr.Source, "name: sources")
}
