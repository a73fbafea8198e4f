package cluster

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
)

// uploadChunkSize keeps each upload command well under the kernel limit for a single argument.
const uploadChunkSize = 48 * 1024

// Cluster is a running Dask cluster spread over the nodes of a fleet.
type Cluster struct {
	fleet   *fleet.Fleet
	config  Config
	scripts []NodeScript
	log     *slog.Logger

	scheduler fleet.Node
	workers   []fleet.Node

	transport *http.Transport
	http      *http.Client
}

// Counts mirrors the dashboard's /json/counts.json document.
type Counts struct {
	Bytes      int64 `json:"bytes"`
	Clients    int   `json:"clients"`
	Memory     int   `json:"memory"`
	Processing int   `json:"processing"`
	Released   int   `json:"released"`
	Tasks      int   `json:"tasks"`
	Waiting    int   `json:"waiting"`
	Workers    int   `json:"workers"`
}

func newCluster(f *fleet.Fleet, config Config, scripts []NodeScript) *Cluster {
	nodes := f.Nodes()
	scheduler := nodes[0]

	c := &Cluster{
		fleet:     f,
		config:    config,
		scripts:   scripts,
		log:       config.Logger.With("fleet", f.Name()),
		scheduler: scheduler,
	}
	for i, script := range scripts {
		if lo.Contains(script.Roles, RoleWorker) {
			c.workers = append(c.workers, nodes[i])
		}
	}

	// The dashboard is reached through the scheduler node, so it does not have to be exposed
	c.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return scheduler.Dial(ctx, network, net.JoinHostPort(scheduler.PrivateAddress(), strconv.Itoa(config.DashboardPort)))
		},
		DisableKeepAlives: true,
	}
	c.http = &http.Client{Transport: c.transport, Timeout: 30 * time.Second}

	return c
}

func (c *Cluster) Fleet() *fleet.Fleet {
	return c.fleet
}

// Config is the cluster configuration, defaults included.
func (c *Cluster) Config() Config {
	return c.config
}

func (c *Cluster) Scheduler() fleet.Node {
	return c.scheduler
}

// Workers returns the nodes running at least one Dask worker.
func (c *Cluster) Workers() []fleet.Node {
	return c.workers
}

// SchedulerAddress is the address Dask clients running on the fleet connect to.
func (c *Cluster) SchedulerAddress() string {
	return schedulerURL(c.scheduler.PrivateAddress(), c.config.SchedulerPort)
}

// DashboardURL is the public URL of the scheduler dashboard. It is only reachable when the
// network rules of the fleet allow it.
func (c *Cluster) DashboardURL() string {
	return "http://" + net.JoinHostPort(c.scheduler.Address(), strconv.Itoa(c.config.DashboardPort))
}

func (c *Cluster) get(ctx context.Context, p string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://dashboard"+p, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashboard returned HTTP %d for '%s'", resp.StatusCode, p)
	}
	return body, nil
}

// Healthy tells whether the scheduler dashboard answers its health check.
func (c *Cluster) Healthy(ctx context.Context) error {
	body, err := c.get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("scheduler health check failed: %w", err)
	}
	if status := strings.TrimSpace(string(body)); status != "ok" {
		return fmt.Errorf("scheduler reported status '%s'", status)
	}
	return nil
}

func (c *Cluster) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	body, err := c.get(ctx, "/json/counts.json")
	if err != nil {
		return counts, fmt.Errorf("failed to get scheduler counts: %w", err)
	}
	if err := json.Unmarshal(body, &counts); err != nil {
		return counts, fmt.Errorf("failed to decode scheduler counts: %w", err)
	}
	return counts, nil
}

// Submit runs command on the scheduler node, in the cluster workspace, with
// DASK_SCHEDULER_ADDRESS pointing to the scheduler.
func (c *Cluster) Submit(ctx context.Context, command string, stdout, stderr io.Writer) error {
	env := append(environment(c.config.Env), "DASK_SCHEDULER_ADDRESS="+c.SchedulerAddress())

	cmd := fmt.Sprintf(
		"cd %s && env %s sh -c %s",
		shellescape.Quote(c.config.Workspace),
		shellescape.QuoteCommand(env),
		shellescape.Quote(command),
	)

	c.log.Debug("Submitting command to scheduler node", "command", command)
	if err := c.scheduler.Run(ctx, cmd, stdout, stderr); err != nil {
		return fmt.Errorf("command failed on scheduler node '%s': %w", c.scheduler.Name(), err)
	}
	return nil
}

// Upload copies content to the scheduler node workspace and returns its remote path.
func (c *Cluster) Upload(ctx context.Context, name string, content io.Reader) (string, error) {
	buf, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("failed to read '%s': %w", name, err)
	}

	remote := path.Join(c.config.Workspace, "uploads", path.Base(name))
	quoted := shellescape.Quote(remote)

	if err := c.scheduler.Run(ctx, fmt.Sprintf("mkdir -p %s && : > %s", shellescape.Quote(path.Dir(remote)), quoted), io.Discard, io.Discard); err != nil {
		return "", fmt.Errorf("failed to create '%s' on scheduler node: %w", remote, err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf)
	for _, chunk := range lo.ChunkString(encoded, uploadChunkSize) {
		cmd := fmt.Sprintf("printf '%%s' %s | base64 -d >> %s", shellescape.Quote(chunk), quoted)
		if err := c.scheduler.Run(ctx, cmd, io.Discard, io.Discard); err != nil {
			return "", fmt.Errorf("failed to upload '%s' to scheduler node: %w", name, err)
		}
	}

	c.log.Debug("Uploaded file to scheduler node", "file", name, "remote", remote, "size", len(buf))
	return remote, nil
}

// CollectLogs writes a zstd-compressed tarball with the Dask logs of every node,
// stored as '<node>/<role>.log'. Logs which cannot be read are skipped.
func (c *Cluster) CollectLogs(ctx context.Context, w io.Writer) (err error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	defer func() {
		if closeErr := tw.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to finalize log archive: %w", closeErr)
		}
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to finalize log archive: %w", closeErr)
		}
	}()

	nodes := c.fleet.Nodes()
	for i, script := range c.scripts {
		node := nodes[i]
		for _, role := range script.Roles {
			var buf bytes.Buffer
			if err := node.Run(ctx, "cat "+shellescape.Quote(LogFile(c.config, role)), &buf, io.Discard); err != nil {
				c.log.Warn("Failed to read node log", "node", node.Name(), "role", role, "error", err)
				continue
			}

			if err := tw.WriteHeader(&tar.Header{
				Name:     path.Join(node.Name(), string(role)+".log"),
				Size:     int64(buf.Len()),
				Mode:     0644,
				ModTime:  time.Now(),
				Typeflag: tar.TypeReg,
			}); err != nil {
				return fmt.Errorf("failed to write log archive: %w", err)
			}
			if _, err := io.Copy(tw, &buf); err != nil {
				return fmt.Errorf("failed to write log archive: %w", err)
			}
		}
	}

	return nil
}

func (c *Cluster) Close() {
	c.transport.CloseIdleConnections()
}
