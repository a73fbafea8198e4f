package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gammadia/dasklaunch/fleet"
	"golang.org/x/crypto/ssh"
)

type SSHConfig struct {
	Username string
	Signer   ssh.Signer
	Port     int

	// InitialWait is how long to wait before the first connection attempt, as sshd is never up right away
	InitialWait time.Duration
	// AttemptTimeout bounds a single connection attempt
	AttemptTimeout time.Duration
	RetryInterval  time.Duration
	// Timeout bounds the whole connection phase
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (c SSHConfig) withDefaults() SSHConfig {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	return c
}

// LoadPrivateKey reads the PEM private key named '<name>.pem' in dir.
func LoadPrivateKey(dir, name string) (ssh.Signer, error) {
	file := path.Join(dir, name+".pem")
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key '%s': %w", file, err)
	}

	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key '%s': %w", file, err)
	}
	return signer, nil
}

// DialSSH connects to the SSH daemon of a freshly started server, retrying until it accepts
// connections or the configured timeout expires.
func DialSSH(ctx context.Context, host string, config SSHConfig, log *slog.Logger) (*SSHShell, error) {
	config = config.withDefaults()
	address := net.JoinHostPort(host, strconv.Itoa(config.Port))

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	if config.InitialWait > 0 {
		log.Debug("Wait for SSH daemon to start", "wait", config.InitialWait)
		select {
		case <-time.After(config.InitialWait):
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to '%s': %w", address, ctx.Err())
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.Username,
		Timeout:         config.AttemptTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(config.Signer),
		},
	}

	var err error
	for attempt := 1; ; attempt++ {
		var client *ssh.Client
		if client, err = ssh.Dial("tcp", address, clientConfig); err == nil {
			return newSSHShell(client, config.KeepAlive, log), nil
		}

		log.Debug(fmt.Errorf("Connection to node refused (attempt %d), retrying in %s: %w", attempt, config.RetryInterval, err).Error())
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to '%s' after %s and %d attempts: %w", address, config.Timeout, attempt, err)
		case <-time.After(config.RetryInterval):
		}
	}
}

// Shell runs commands on a remote host and opens connections from it.
type Shell interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// ShellDialer opens a Shell on a freshly started server, DialSSH being the default.
type ShellDialer func(ctx context.Context, host string, config SSHConfig, log *slog.Logger) (Shell, error)

func DialShell(ctx context.Context, host string, config SSHConfig, log *slog.Logger) (Shell, error) {
	shell, err := DialSSH(ctx, host, config, log)
	if err != nil {
		return nil, err
	}
	return shell, nil
}

// SSHShell runs commands and opens tunnels through an SSH connection.
type SSHShell struct {
	client *ssh.Client
	log    *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newSSHShell(client *ssh.Client, keepAlive time.Duration, log *slog.Logger) *SSHShell {
	s := &SSHShell{
		client: client,
		log:    log,
		closed: make(chan struct{}),
	}

	// Keep the connection alive while long computations run on the cluster
	go func() {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-ticker.C:
				if _, _, err := client.SendRequest("keepalive@dasklaunch", true, nil); err != nil {
					log.Warn("SSH keepalive failed", "error", err)
					return
				}
			}
		}
	}()

	return s
}

// Run executes cmd through the remote user's shell. Cancelling ctx closes the session.
func (s *SSHShell) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-done:
		}
	}()

	err = session.Run(cmd)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return asExitError(cmd, err)
}

func asExitError(cmd string, err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &fleet.ExitError{Command: cmd, Code: exitErr.ExitStatus()}
	}
	return err
}

// Dial opens a connection from the remote host, e.g. to reach ports only bound to its loopback.
func (s *SSHShell) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return s.client.DialContext(ctx, network, addr)
}

func (s *SSHShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.client.Close()
	})
	return err
}
