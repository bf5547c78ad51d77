package executor

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"

	"k8s-netremedy/internal/types"
)

// LocalExecutor runs commands on the host the engine itself runs on.
// It ignores the node argument beyond labelling the output.
type LocalExecutor struct {
	timeout time.Duration
}

// NewLocalExecutor creates a local executor with a default per-command timeout
func NewLocalExecutor(timeout time.Duration) *LocalExecutor {
	return &LocalExecutor{timeout: timeout}
}

// Exec runs cmd locally
func (e *LocalExecutor) Exec(ctx context.Context, node types.Node, cmd Command) (*Output, error) {
	runCtx, cancel := commandContext(ctx, cmd, e.timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
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

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && runCtx.Err() == nil {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}

	out.ExitCode = -1
	return out, wrapRunError(ctx, runCtx, node.String(), cmd, err)
}
