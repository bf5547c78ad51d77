package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"k8s-netremedy/internal/config"
	"k8s-netremedy/internal/types"
)

// DefaultTimeout bounds a single command when neither the command nor the
// executor sets one.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout marks a command that hit its own deadline
	ErrTimeout = errors.New("command timed out")
	// ErrUnreachable marks a node the executor could not open a session to
	ErrUnreachable = errors.New("node unreachable")
)

// Command is a program plus arguments to run on a node
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// Cmd builds a Command with the executor's default timeout
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String renders the command for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Argv returns the command as a single argument vector
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// Output represents a command execution result
type Output struct {
	Node     string        `json:"node"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit code
func (o *Output) Success() bool {
	return o != nil && o.ExitCode == 0
}

// Combined returns stdout followed by stderr
func (o *Output) Combined() string {
	if o == nil {
		return ""
	}
	if o.Stderr == "" {
		return o.Stdout
	}
	return o.Stdout + "\nSTDERR: " + o.Stderr
}

// Executor runs a command on a specific cluster node.
//
// A non-zero exit status is reported through Output.ExitCode with a nil error;
// the error return is reserved for commands that could not be run or did not
// finish (transport failure, timeout, cancellation).
type Executor interface {
	Exec(ctx context.Context, node types.Node, cmd Command) (*Output, error)
}

// Closer is implemented by executors holding connections
type Closer interface {
	Close() error
}

// Run executes cmd and turns a non-zero exit status into an error
func Run(ctx context.Context, e Executor, node types.Node, cmd Command) (*Output, error) {
	out, err := e.Exec(ctx, node, cmd)
	if err != nil {
		return out, err
	}
	if !out.Success() {
		return out, errors.Newf("%s exited with status %d: %s", cmd, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out, nil
}

// commandContext derives the per-command deadline
func commandContext(ctx context.Context, cmd Command, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// wrapRunError distinguishes our own deadline from caller cancellation
func wrapRunError(parent, cmdCtx context.Context, node string, cmd Command, err error) error {
	if parent.Err() != nil {
		return errors.Wrapf(parent.Err(), "%s on %s cancelled", cmd, node)
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "%s on %s", cmd, node), ErrTimeout)
	}
	return errors.Wrapf(err, "%s on %s", cmd, node)
}

// shellQuote quotes args for a remote POSIX shell
func shellQuote(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		quoted = append(quoted, "'"+strings.ReplaceAll(arg, "'", `'\''`)+"'")
	}
	return strings.Join(quoted, " ")
}

// New selects the executor variant named by cfg.Kind
func New(cfg config.ExecConfig, clientset kubernetes.Interface, restConfig *rest.Config, logger *zap.Logger) (Executor, error) {
	switch cfg.Kind {
	case config.ExecutorLocal:
		return NewLocalExecutor(cfg.Timeout), nil
	case config.ExecutorSSH:
		return NewSSHExecutor(SSHOptions{
			User:                  cfg.SSH.User,
			Port:                  cfg.SSH.Port,
			KeyFile:               cfg.SSH.KeyFile,
			KnownHostsFile:        cfg.SSH.KnownHostsFile,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
			Sudo:                  cfg.SSH.Sudo,
			Timeout:               cfg.Timeout,
		}, logger)
	case config.ExecutorAgent:
		if clientset == nil || restConfig == nil {
			return nil, errors.New("agent executor requires a cluster client")
		}
		return NewAgentExecutor(AgentOptions{
			Namespace:     cfg.Agent.Namespace,
			LabelSelector: cfg.Agent.LabelSelector,
			Container:     cfg.Agent.Container,
			HostNamespace: cfg.Agent.HostNamespace,
			Timeout:       cfg.Timeout,
		}, clientset, NewSPDYPodExec(clientset, restConfig)), nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}
