package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"k8s-netremedy/internal/types"
)

// PodExecFunc streams a command inside a running container
type PodExecFunc func(ctx context.Context, namespace, pod, container string, command []string, stdout, stderr io.Writer) error

// NewSPDYPodExec returns a PodExecFunc backed by the pods/exec subresource
func NewSPDYPodExec(clientset kubernetes.Interface, config *rest.Config) PodExecFunc {
	return func(ctx context.Context, namespace, pod, container string, command []string, stdout, stderr io.Writer) error {
		req := clientset.CoreV1().RESTClient().Post().
			Resource("pods").
			Name(pod).
			Namespace(namespace).
			SubResource("exec")

		req.VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

		exec, err := remotecommand.NewSPDYExecutor(config, "POST", req.URL())
		if err != nil {
			return fmt.Errorf("failed to create executor: %w", err)
		}

		return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdout: stdout,
			Stderr: stderr,
		})
	}
}

// ExitStatus extracts the remote exit code from a pod exec error
func ExitStatus(err error) (int, bool) {
	var coded interface{ ExitStatus() int }
	if errors.As(err, &coded) {
		return coded.ExitStatus(), true
	}
	return 0, false
}

// AgentOptions configures an AgentExecutor
type AgentOptions struct {
	Namespace     string
	LabelSelector string
	Container     string
	HostNamespace bool
	Timeout       time.Duration
}

// AgentExecutor runs commands inside the privileged agent pod scheduled on
// each node, optionally entering the host namespaces of PID 1.
type AgentExecutor struct {
	opts      AgentOptions
	clientset kubernetes.Interface
	exec      PodExecFunc
}

// NewAgentExecutor creates an agent executor
func NewAgentExecutor(opts AgentOptions, clientset kubernetes.Interface, exec PodExecFunc) *AgentExecutor {
	return &AgentExecutor{opts: opts, clientset: clientset, exec: exec}
}

// Exec runs cmd in the agent pod on node
func (e *AgentExecutor) Exec(ctx context.Context, node types.Node, cmd Command) (*Output, error) {
	runCtx, cancel := commandContext(ctx, cmd, e.opts.Timeout)
	defer cancel()

	pod, err := e.agentPod(runCtx, node.Name)
	if err != nil {
		return nil, errors.Mark(wrapRunError(ctx, runCtx, node.String(), cmd, err), ErrUnreachable)
	}

	argv := cmd.Argv()
	if e.opts.HostNamespace {
		argv = append([]string{"nsenter", "-t", "1", "-m", "-u", "-i", "-n", "-p", "--"}, argv...)
	}

	var stdout, stderr bytes.Buffer
	start := time.Now()
	err = e.exec(runCtx, e.opts.Namespace, pod, e.opts.Container, argv, &stdout, &stderr)

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
	if code, ok := ExitStatus(err); ok && runCtx.Err() == nil {
		out.ExitCode = code
		return out, nil
	}

	out.ExitCode = -1
	return out, wrapRunError(ctx, runCtx, node.String(), cmd, err)
}

// agentPod finds a running agent pod on the node
func (e *AgentExecutor) agentPod(ctx context.Context, nodeName string) (string, error) {
	pods, err := e.clientset.CoreV1().Pods(e.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: e.opts.LabelSelector,
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list agent pods: %w", err)
	}

	for _, p := range pods.Items {
		if p.Spec.NodeName == nodeName && p.Status.Phase == corev1.PodRunning && p.DeletionTimestamp == nil {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no running agent pod matching %q on node %s", e.opts.LabelSelector, nodeName)
}
