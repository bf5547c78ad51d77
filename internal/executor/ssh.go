package executor

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"k8s-netremedy/internal/types"
)

// SSHOptions configures an SSHExecutor
type SSHOptions struct {
	User                  string
	Port                  int
	KeyFile               string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	Sudo                  bool
	Timeout               time.Duration
	DialRetries           uint64
}

// SSHExecutor runs commands over SSH, keeping one client per node address
type SSHExecutor struct {
	opts   SSHOptions
	config *ssh.ClientConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor loads the private key and host key policy
func NewSSHExecutor(opts SSHOptions, logger *zap.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.DialRetries == 0 {
		opts.DialRetries = 3
	}

	key, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ssh key %s", opts.KeyFile)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ssh key %s", opts.KeyFile)
	}

	var hostKeys ssh.HostKeyCallback
	if opts.InsecureIgnoreHostKey {
		logger.Warn("SSH host key verification disabled")
		hostKeys = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeys, err = knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known hosts %s", opts.KnownHostsFile)
		}
	}

	return &SSHExecutor{
		opts: opts,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         10 * time.Second,
		},
		logger:  logger.With(zap.String("executor", "ssh")),
		clients: make(map[string]*ssh.Client),
	}, nil
}

// Exec runs cmd on node through a fresh session on a cached client
func (e *SSHExecutor) Exec(ctx context.Context, node types.Node, cmd Command) (*Output, error) {
	runCtx, cancel := commandContext(ctx, cmd, e.opts.Timeout)
	defer cancel()

	addr := e.address(node)
	client, err := e.client(runCtx, addr)
	if err != nil {
		return nil, errors.Mark(wrapRunError(ctx, runCtx, node.String(), cmd, err), ErrUnreachable)
	}

	session, err := client.NewSession()
	if err != nil {
		e.drop(addr)
		return nil, errors.Mark(wrapRunError(ctx, runCtx, node.String(), cmd, err), ErrUnreachable)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := shellQuote(cmd.Argv())
	if e.opts.Sudo {
		line = "sudo -n " + line
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		err = runCtx.Err()
	}

	out := &Output{
		Node:     node.String(),
		Command:  cmd.String(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return out, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}

	out.ExitCode = -1
	if runCtx.Err() == nil {
		e.drop(addr)
	}
	return out, wrapRunError(ctx, runCtx, node.String(), cmd, err)
}

// Close closes every cached client
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for addr, c := range e.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.clients, addr)
	}
	return firstErr
}

func (e *SSHExecutor) address(node types.Node) string {
	host := node.Address
	if host == "" {
		host = node.Name
	}
	return net.JoinHostPort(host, strconv.Itoa(e.opts.Port))
}

func (e *SSHExecutor) client(ctx context.Context, addr string) (*ssh.Client, error) {
	e.mu.Lock()
	if c, ok := e.clients[addr]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	var client *ssh.Client
	dial := func() error {
		conn, err := (&net.Dialer{Timeout: e.config.Timeout}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.config)
		if err != nil {
			conn.Close()
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = ssh.NewClient(c, chans, reqs)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.opts.DialRetries), ctx)
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("SSH dial failed, retrying", zap.String("addr", addr), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(dial, policy, notify); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[addr]; ok {
		client.Close()
		return existing, nil
	}
	e.clients[addr] = client
	return client, nil
}

func (e *SSHExecutor) drop(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[addr]; ok {
		c.Close()
		delete(e.clients, addr)
	}
}
