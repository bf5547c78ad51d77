package diagnostic

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

const (
	probeContainer = "netshoot"
	probeLabel     = "netremedy-probe"

	// teardownTimeout bounds probe deletion, which runs even after cancellation
	teardownTimeout = 30 * time.Second
)

// ValidatorOptions configures the probe workload
type ValidatorOptions struct {
	Namespace    string
	Image        string
	QueryName    string
	TTL          time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// Validator checks cluster DNS reachability from inside the pod network
type Validator struct {
	clientset kubernetes.Interface
	exec      executor.PodExecFunc
	opts      ValidatorOptions
	logger    *zap.Logger
}

// NewValidator creates a connectivity validator
func NewValidator(clientset kubernetes.Interface, exec executor.PodExecFunc, opts ValidatorOptions, logger *zap.Logger) *Validator {
	if opts.Image == "" {
		opts.Image = "nicolaka/netshoot"
	}
	if opts.QueryName == "" {
		opts.QueryName = "kubernetes.default.svc.cluster.local"
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{clientset: clientset, exec: exec, opts: opts, logger: logger}
}

// Validate launches a probe pod, resolves the query name against targetIP and
// classifies the outcome. The probe pod is deleted on every return path,
// including cancellation of ctx.
func (v *Validator) Validate(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult {
	timer := metrics.NewTimer()
	result := v.validate(ctx, targetIP, timeout)
	timer.ObserveDuration(metrics.ValidationDuration)
	metrics.ValidationsTotal.WithLabelValues(string(result.Status)).Inc()
	return result
}

func (v *Validator) validate(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult {
	podName := "netremedy-probe-" + uuid.NewString()[:8]
	log := v.logger.With(zap.String("probe", podName), zap.String("target", targetIP))

	if _, err := v.createProbePod(ctx, podName); err != nil {
		log.Error("Failed to create probe pod", zap.Error(err))
		return newResult(types.StatusUnknown, fmt.Sprintf("probe pod creation failed: %v", err))
	}
	defer v.cleanupPod(ctx, podName, log)

	if err := v.waitForPodReady(ctx, podName); err != nil {
		log.Error("Probe pod did not become ready", zap.Error(err))
		return newResult(types.StatusUnknown, err.Error())
	}

	output, err := v.lookup(ctx, podName, targetIP, timeout)
	status := Classify(output, err)
	if err != nil && ctx.Err() != nil {
		status = types.StatusUnknown
	}
	if err != nil {
		output = strings.TrimSpace(output + "\n" + err.Error())
	}

	log.Info("Validation finished", zap.String("status", string(status)))
	return newResult(status, output)
}

func newResult(status types.ValidationStatus, raw string) types.ValidationResult {
	return types.ValidationResult{Status: status, ObservedAt: time.Now(), RawOutput: raw}
}

// lookup runs nslookup inside the probe, bounded by the DNS timeout
func (v *Validator) lookup(ctx context.Context, podName, targetIP string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	seconds := int(timeout.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	// one retry plus slack for exec stream setup
	execCtx, cancel := context.WithTimeout(ctx, 2*timeout+5*time.Second)
	defer cancel()

	command := []string{"nslookup", fmt.Sprintf("-timeout=%d", seconds), "-retry=1", v.opts.QueryName, targetIP}

	var stdout, stderr bytes.Buffer
	err := v.exec(execCtx, v.opts.Namespace, podName, probeContainer, command, &stdout, &stderr)

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\nSTDERR: " + stderr.String()
	}
	if err != nil && execCtx.Err() != nil && ctx.Err() == nil {
		return output, errors.Wrap(context.DeadlineExceeded, "nslookup did not return")
	}
	return output, err
}

// createProbePod creates a short-lived netshoot pod whose own deadline
// reaps it even if teardown never runs
func (v *Validator) createProbePod(ctx context.Context, name string) (*corev1.Pod, error) {
	deadline := int64(v.opts.TTL / time.Second)
	grace := int64(0)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: v.opts.Namespace,
			Labels: map[string]string{
				"app": probeLabel,
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:  probeContainer,
					Image: v.opts.Image,
					Command: []string{
						"sleep",
						fmt.Sprintf("%d", deadline),
					},
				},
			},
			RestartPolicy:                 corev1.RestartPolicyNever,
			ActiveDeadlineSeconds:         &deadline,
			TerminationGracePeriodSeconds: &grace,
		},
	}

	return v.clientset.CoreV1().Pods(v.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
}

// waitForPodReady waits for a pod to be ready
func (v *Validator) waitForPodReady(ctx context.Context, podName string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, v.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()

	for {
		pod, err := v.clientset.CoreV1().Pods(v.opts.Namespace).Get(timeoutCtx, podName, metav1.GetOptions{})
		if err == nil {
			if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
				return fmt.Errorf("probe pod %s terminated in phase %s", podName, pod.Status.Phase)
			}
			for _, condition := range pod.Status.Conditions {
				if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
					return nil
				}
			}
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "waiting for probe pod %s", podName)
			}
			return fmt.Errorf("probe pod %s did not become ready within %v", podName, v.opts.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// cleanupPod removes the probe pod on a context detached from caller
// cancellation so a cancelled run leaves nothing behind
func (v *Validator) cleanupPod(ctx context.Context, podName string, log *zap.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	grace := int64(0)
	err := v.clientset.CoreV1().Pods(v.opts.Namespace).Delete(cleanupCtx, podName, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil {
		log.Warn("Failed to delete probe pod", zap.Error(err))
		return
	}
	log.Debug("Probe pod deleted")
}

// Classify maps nslookup output and exec error to a validation status.
// Any DNS response, including NXDOMAIN, proves the service path works.
func Classify(output string, execErr error) types.ValidationStatus {
	text := strings.ToLower(output)

	switch {
	case hasAnswer(text):
		return types.StatusSuccess
	case strings.Contains(text, "refused"), strings.Contains(text, "connection reset"):
		return types.StatusDNSRefused
	case strings.Contains(text, "no route to host"),
		strings.Contains(text, "host unreachable"),
		strings.Contains(text, "network unreachable"),
		strings.Contains(text, "network is unreachable"):
		return types.StatusNoRoute
	case strings.Contains(text, "timed out"), strings.Contains(text, "no servers could be reached"):
		return types.StatusDNSTimeout
	case execErr != nil && errors.Is(execErr, context.DeadlineExceeded):
		return types.StatusDNSTimeout
	default:
		return types.StatusUnknown
	}
}

// hasAnswer reports whether the resolver got a usable reply from the server
func hasAnswer(text string) bool {
	if strings.Contains(text, "nxdomain") {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "name:") {
			return true
		}
	}
	return false
}
