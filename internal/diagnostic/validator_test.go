package diagnostic

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	utilexec "k8s.io/client-go/util/exec"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/types"
)

const (
	nslookupOK = `Server:		10.96.0.10
Address:	10.96.0.10#53

Name:	kubernetes.default.svc.cluster.local
Address: 10.96.0.1
`
	nslookupNXDomain = `Server:		10.96.0.10
Address:	10.96.0.10#53

** server can't find nope.default.svc.cluster.local: NXDOMAIN
`
	nslookupTimeout  = ";; connection timed out; no servers could be reached\n"
	nslookupRefused  = ";; communications error to 10.96.0.10#53: connection refused\n"
	nslookupNoRoute  = ";; communications error to 10.96.0.10#53: host unreachable\n"
	nslookupServfail = "** server can't find kubernetes.default.svc.cluster.local: SERVFAIL\n"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		want   types.ValidationStatus
	}{
		{"answer", nslookupOK, nil, types.StatusSuccess},
		{"nxdomain is still a response", nslookupNXDomain, utilexec.CodeExitError{Err: fmt.Errorf("exit 1"), Code: 1}, types.StatusSuccess},
		{"timeout", nslookupTimeout, utilexec.CodeExitError{Err: fmt.Errorf("exit 1"), Code: 1}, types.StatusDNSTimeout},
		{"refused", nslookupRefused, nil, types.StatusDNSRefused},
		{"reset", ";; read: connection reset by peer\n", nil, types.StatusDNSRefused},
		{"no route", nslookupNoRoute, nil, types.StatusNoRoute},
		{"no route to host", "connect: no route to host", nil, types.StatusNoRoute},
		{"exec deadline", "", context.DeadlineExceeded, types.StatusDNSTimeout},
		{"servfail", nslookupServfail, nil, types.StatusUnknown},
		{"empty", "", fmt.Errorf("stream closed"), types.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.output, tt.err))
		})
	}
}

// readyOnCreate makes created probe pods immediately Ready
func readyOnCreate(clientset *fake.Clientset) {
	clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod).DeepCopy()
		pod.Status.Phase = corev1.PodRunning
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		return true, pod, clientset.Tracker().Add(pod)
	})
}

func fakeNslookup(output string, err error, commands *[][]string) executor.PodExecFunc {
	return func(ctx context.Context, namespace, pod, container string, command []string, stdout, stderr io.Writer) error {
		if commands != nil {
			*commands = append(*commands, command)
		}
		_, _ = io.WriteString(stdout, output)
		return err
	}
}

func probePods(t *testing.T, clientset *fake.Clientset) []corev1.Pod {
	t.Helper()
	pods, err := clientset.CoreV1().Pods("netremedy-probe").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	return pods.Items
}

func testOptions() ValidatorOptions {
	return ValidatorOptions{
		Namespace:    "netremedy-probe",
		ReadyTimeout: 200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func TestValidateSuccess(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	readyOnCreate(clientset)
	var commands [][]string

	v := NewValidator(clientset, fakeNslookup(nslookupOK, nil, &commands), testOptions(), nil)
	result := v.Validate(context.Background(), "10.96.0.10", 3*time.Second)

	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.True(t, result.OK())
	assert.Contains(t, result.RawOutput, "Name:")
	assert.False(t, result.ObservedAt.IsZero())

	require.Len(t, commands, 1)
	assert.Equal(t, []string{"nslookup", "-timeout=3", "-retry=1", "kubernetes.default.svc.cluster.local", "10.96.0.10"}, commands[0])
	assert.Empty(t, probePods(t, clientset), "probe pod is torn down")
}

func TestValidateClassifiesFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	readyOnCreate(clientset)

	v := NewValidator(clientset, fakeNslookup(nslookupTimeout, utilexec.CodeExitError{Err: fmt.Errorf("command terminated with exit code 1"), Code: 1}, nil), testOptions(), nil)
	result := v.Validate(context.Background(), "10.96.0.10", time.Second)

	assert.Equal(t, types.StatusDNSTimeout, result.Status)
	assert.Contains(t, result.RawOutput, "no servers could be reached")
	assert.Empty(t, probePods(t, clientset))
}

func TestValidateProbeNeverReady(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	called := false
	exec := func(ctx context.Context, namespace, pod, container string, command []string, stdout, stderr io.Writer) error {
		called = true
		return nil
	}

	result := NewValidator(clientset, exec, testOptions(), nil).Validate(context.Background(), "10.96.0.10", time.Second)

	assert.Equal(t, types.StatusUnknown, result.Status)
	assert.Contains(t, result.RawOutput, "did not become ready")
	assert.False(t, called)
	assert.Empty(t, probePods(t, clientset), "probe pod is torn down after a readiness timeout")
}

func TestValidateTearsDownOnCancel(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	readyOnCreate(clientset)
	ctx, cancel := context.WithCancel(context.Background())

	exec := func(ctx context.Context, namespace, pod, container string, command []string, stdout, stderr io.Writer) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	result := NewValidator(clientset, exec, testOptions(), nil).Validate(ctx, "10.96.0.10", time.Second)

	assert.Equal(t, types.StatusUnknown, result.Status)
	assert.Empty(t, probePods(t, clientset))
}

func TestValidateCreateFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("pods is forbidden")
	})

	result := NewValidator(clientset, fakeNslookup(nslookupOK, nil, nil), testOptions(), nil).Validate(context.Background(), "10.96.0.10", time.Second)
	assert.Equal(t, types.StatusUnknown, result.Status)
	assert.Contains(t, result.RawOutput, "forbidden")
}

func TestProbePodIsBounded(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	var created *corev1.Pod
	clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		created = action.(k8stesting.CreateAction).GetObject().(*corev1.Pod).DeepCopy()
		return false, nil, nil
	})

	opts := testOptions()
	opts.TTL = 90 * time.Second
	NewValidator(clientset, fakeNslookup(nslookupOK, nil, nil), opts, nil).Validate(context.Background(), "10.96.0.10", time.Second)

	require.NotNil(t, created)
	require.NotNil(t, created.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(90), *created.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, corev1.RestartPolicyNever, created.Spec.RestartPolicy)
	assert.Equal(t, "nicolaka/netshoot", created.Spec.Containers[0].Image)
}
