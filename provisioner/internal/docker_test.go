package internal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Docker Client ---

// mockDocker only implements the methods used by Exec and EnsureImage; calling any other
// method panics on the nil embedded interface.
type mockDocker struct {
	DockerClient

	mu sync.Mutex

	execCmds [][]string
	stdout   string
	stderr   string
	exitCode int
	// blockOutput keeps the exec output stream open until the connection is closed
	blockOutput bool

	images       []image.Summary
	pulled       []string
	pullFailures int
}

// mockConn is a minimal net.Conn for HijackedResponse.Close().
type mockConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// blockingReader fails once the connection is closed.
type blockingReader struct{ closed chan struct{} }

func (r blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (m *mockDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCmds = append(m.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (m *mockDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	conn := &mockConn{closed: make(chan struct{})}
	if m.blockOutput {
		return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(blockingReader{conn.closed})}, nil
	}

	var buf bytes.Buffer
	if m.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(m.stdout))
	}
	if m.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(m.stderr))
	}
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (m *mockDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: m.exitCode}, nil
}

func (m *mockDocker) ImageList(_ context.Context, _ image.ListOptions) ([]image.Summary, error) {
	return m.images, nil
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullFailures > 0 {
		m.pullFailures--
		return nil, errors.New("registry unavailable")
	}
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

// --- Tests ---

func TestExec(t *testing.T) {
	docker := &mockDocker{stdout: "hello\n", stderr: "warning\n"}

	var stdout, stderr bytes.Buffer
	err := Exec(context.Background(), docker, "ctr-1", "echo hello", []string{"A=1"}, &stdout, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "warning\n", stderr.String())
	assert.Equal(t, [][]string{{"sh", "-c", "echo hello"}}, docker.execCmds)
}

func TestExecReportsExitCode(t *testing.T) {
	docker := &mockDocker{exitCode: 2}

	err := Exec(context.Background(), docker, "ctr-1", "false", nil, io.Discard, io.Discard)

	var exitErr *fleet.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, "false", exitErr.Command)
}

func TestExecCancel(t *testing.T) {
	docker := &mockDocker{blockOutput: true}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Exec(ctx, docker, "ctr-1", "sleep 100", nil, io.Discard, io.Discard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsureImagePresent(t *testing.T) {
	docker := &mockDocker{images: []image.Summary{{ID: "sha256:abc"}}}

	require.NoError(t, EnsureImage(context.Background(), docker, "dask:latest", silentLogger))
	assert.Empty(t, docker.pulled)
}

func TestEnsureImagePulls(t *testing.T) {
	docker := &mockDocker{pullFailures: 2}

	require.NoError(t, EnsureImage(context.Background(), docker, "dask:latest", silentLogger))
	assert.Equal(t, []string{"dask:latest"}, docker.pulled)
}

func TestEnsureImagePullFailure(t *testing.T) {
	docker := &mockDocker{pullFailures: 10}

	err := EnsureImage(context.Background(), docker, "dask:latest", silentLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to pull docker image 'dask:latest'")
}
