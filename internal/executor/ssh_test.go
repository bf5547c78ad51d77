package executor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"k8s-netremedy/internal/types"
)

// sshServer is an in-process SSH server. Commands containing "sleep" block
// until the client signals or closes the session; every other command prints
// to both streams and exits 3.
type sshServer struct {
	listener net.Listener
	hostKey  ssh.Signer
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands []string
	signals  []string
	conns    []net.Conn
}

func newSSHServer(t *testing.T, clientKey ssh.PublicKey) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	config.AddHostKey(hostKey)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{listener: l, hostKey: hostKey, config: config}
	t.Cleanup(func() {
		_ = l.Close()
		s.dropConnections()
	})
	go s.serve()
	return s
}

func (s *sshServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *sshServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

			if strings.Contains(payload.Command, "sleep") {
				continue
			}
			_, _ = ch.Write([]byte("forwarded\n"))
			_, _ = ch.Stderr().Write([]byte("oops\n"))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{3}))
			return
		case "signal":
			var payload struct{ Signal string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			s.mu.Lock()
			s.signals = append(s.signals, payload.Signal)
			s.mu.Unlock()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *sshServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *sshServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *sshServer) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *sshServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// sshFixture starts a server and returns options trusting its host key
func sshFixture(t *testing.T) (*sshServer, SSHOptions) {
	t.Helper()
	dir := t.TempDir()

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600))

	server := newSSHServer(t, sshPub)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(server.port()))
	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, server.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))

	return server, SSHOptions{
		User:           "root",
		Port:           server.port(),
		KeyFile:        keyFile,
		KnownHostsFile: knownHosts,
		Timeout:        5 * time.Second,
		DialRetries:    1,
	}
}

var sshNode = types.Node{Name: "worker-1", Address: "127.0.0.1"}

func TestSSHExecutorReportsExitCode(t *testing.T) {
	server, opts := sshFixture(t)
	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Exec(context.Background(), sshNode, Cmd("sysctl", "-n", "net.ipv4.ip_forward"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "forwarded\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, "worker-1", out.Node)
	assert.Equal(t, []string{"'sysctl' '-n' 'net.ipv4.ip_forward'"}, server.Commands())

	_, err = Run(context.Background(), e, sshNode, Cmd("sysctl", "-n", "net.ipv4.ip_forward"))
	require.Error(t, err)
	assert.Equal(t, 1, server.Connections(), "the client is reused across commands")
}

func TestSSHExecutorSudo(t *testing.T) {
	server, opts := sshFixture(t)
	opts.Sudo = true
	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Exec(context.Background(), sshNode, Cmd("modprobe", "br_netfilter"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo -n 'modprobe' 'br_netfilter'"}, server.Commands())
}

func TestSSHExecutorTimeoutKillsCommand(t *testing.T) {
	server, opts := sshFixture(t)
	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	cmd := Cmd("sleep", "60")
	cmd.Timeout = 100 * time.Millisecond

	start := time.Now()
	out, err := e.Exec(context.Background(), sshNode, cmd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, -1, out.ExitCode)

	assert.Eventually(t, func() bool {
		signals := server.Signals()
		return len(signals) == 1 && signals[0] == string(ssh.SIGKILL)
	}, 2*time.Second, 10*time.Millisecond)

	// a timed-out command does not poison the cached client
	_, err = e.Exec(context.Background(), sshNode, Cmd("true"))
	require.NoError(t, err)
	assert.Equal(t, 1, server.Connections())
}

func TestSSHExecutorCallerCancel(t *testing.T) {
	server, opts := sshFixture(t)
	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = e.Exec(ctx, sshNode, Cmd("sleep", "60"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrTimeout))

	assert.Eventually(t, func() bool { return len(server.Signals()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSHExecutorReconnectsAfterDrop(t *testing.T) {
	server, opts := sshFixture(t)
	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Exec(context.Background(), sshNode, Cmd("true"))
	require.NoError(t, err)

	server.dropConnections()

	// the broken client is dropped on the first failure and redialled after
	assert.Eventually(t, func() bool {
		_, err := e.Exec(context.Background(), sshNode, Cmd("true"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, server.Connections(), 2)
}

func TestSSHExecutorRejectsUnknownHostKey(t *testing.T) {
	_, opts := sshFixture(t)
	require.NoError(t, os.WriteFile(opts.KnownHostsFile, nil, 0600))
	opts.DialRetries = 5

	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	start := time.Now()
	_, err = e.Exec(context.Background(), sshNode, Cmd("true"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Less(t, time.Since(start), 2*time.Second, "host key mismatches are not retried")
}

func TestSSHExecutorUnreachableNode(t *testing.T) {
	_, opts := sshFixture(t)

	// a port nothing listens on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.Port = l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	e, err := NewSSHExecutor(opts, nil)
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Exec(context.Background(), sshNode, Cmd("true"))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, ErrUnreachable))
}
