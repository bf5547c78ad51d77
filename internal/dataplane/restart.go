package dataplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/types"
)

// ProxyRestarter restarts the service proxy on a node and waits until it is
// serving again, so a nil error means the restart converged.
type ProxyRestarter interface {
	Restart(ctx context.Context, node types.Node) error
}

// SystemdRestarter restarts a proxy managed as a systemd unit
type SystemdRestarter struct {
	Exec         executor.Executor
	Service      string
	Wait         time.Duration
	PollInterval time.Duration
}

// Restart implements ProxyRestarter
func (r *SystemdRestarter) Restart(ctx context.Context, node types.Node) error {
	if _, err := executor.Run(ctx, r.Exec, node, executor.Cmd("systemctl", "restart", r.Service)); err != nil {
		return err
	}

	return poll(ctx, r.Wait, r.PollInterval, func(ctx context.Context) (bool, error) {
		out, err := r.Exec.Exec(ctx, node, executor.Cmd("systemctl", "is-active", r.Service))
		if err != nil {
			return false, nil
		}
		return strings.TrimSpace(out.Stdout) == "active", nil
	}, fmt.Sprintf("%s did not become active on %s", r.Service, node))
}

// PodRestarter deletes the proxy pod on a node and waits for its DaemonSet
// replacement to become Ready
type PodRestarter struct {
	Clientset     kubernetes.Interface
	Namespace     string
	LabelSelector string
	Wait          time.Duration
	PollInterval  time.Duration
}

// Restart implements ProxyRestarter
func (r *PodRestarter) Restart(ctx context.Context, node types.Node) error {
	pods, err := r.proxyPods(ctx, node.Name)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return fmt.Errorf("no proxy pod matching %q on node %s", r.LabelSelector, node.Name)
	}

	old := make(map[apitypes.UID]bool, len(pods))
	for _, p := range pods {
		old[p.UID] = true
		if err := r.Clientset.CoreV1().Pods(r.Namespace).Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil {
			return fmt.Errorf("failed to delete proxy pod %s: %w", p.Name, err)
		}
	}

	return poll(ctx, r.Wait, r.PollInterval, func(ctx context.Context) (bool, error) {
		pods, err := r.proxyPods(ctx, node.Name)
		if err != nil {
			return false, nil
		}
		for _, p := range pods {
			if old[p.UID] || p.DeletionTimestamp != nil {
				continue
			}
			for _, condition := range p.Status.Conditions {
				if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
					return true, nil
				}
			}
		}
		return false, nil
	}, fmt.Sprintf("replacement proxy pod on %s did not become ready", node))
}

func (r *PodRestarter) proxyPods(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := r.Clientset.CoreV1().Pods(r.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: r.LabelSelector,
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy pods: %w", err)
	}

	var pods []corev1.Pod
	for _, p := range list.Items {
		if p.Spec.NodeName == nodeName {
			pods = append(pods, p)
		}
	}
	return pods, nil
}

// poll checks cond on every tick until it holds or timeout elapses
func poll(ctx context.Context, timeout, interval time.Duration, cond func(context.Context) (bool, error), failure string) error {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(timeoutCtx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s within %v", failure, timeout)
		case <-ticker.C:
		}
	}
}
