package diagnostic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"k8s-netremedy/internal/types"
)

func TestPreflightCreatesNamespace(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	require.NoError(t, Preflight(context.Background(), clientset, "netremedy-probe"))

	ns, err := clientset.CoreV1().Namespaces().Get(context.Background(), "netremedy-probe", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "k8s-netremedy", ns.Labels["app.kubernetes.io/managed-by"])

	// second run finds it
	require.NoError(t, Preflight(context.Background(), clientset, "netremedy-probe"))
}

func TestPreflightNamespaceForbidden(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("get", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("namespaces is forbidden")
	})

	err := Preflight(context.Background(), clientset, "netremedy-probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestDiscoverTarget(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-dns", Namespace: "kube-system"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.96.0.10"},
	})

	ip, err := DiscoverTarget(context.Background(), clientset, "kube-system/kube-dns")
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.10", ip)

	ip, err = DiscoverTarget(context.Background(), clientset, "kube-dns")
	require.NoError(t, err, "namespace defaults to kube-system")
	assert.Equal(t, "10.96.0.10", ip)

	_, err = DiscoverTarget(context.Background(), clientset, "kube-system/coredns")
	assert.Error(t, err)
}

func TestDiscoverTargetHeadless(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-dns", Namespace: "kube-system"},
		Spec:       corev1.ServiceSpec{ClusterIP: corev1.ClusterIPNone},
	})

	_, err := DiscoverTarget(context.Background(), clientset, "kube-system/kube-dns")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ClusterIP")
}

func TestDiscoverNodes(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "control-plane", Labels: map[string]string{"node-role.kubernetes.io/control-plane": ""}},
			Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeHostName, Address: "control-plane"},
				{Type: corev1.NodeInternalIP, Address: "192.168.56.10"},
			}},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "worker-1"},
			Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "192.168.56.11"},
			}},
		},
	)

	nodes, err := DiscoverNodes(context.Background(), clientset)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Node{
		{Name: "control-plane", Address: "192.168.56.10"},
		{Name: "worker-1", Address: "192.168.56.11"},
	}, nodes)
}

func TestDiscoverNodesEmptyCluster(t *testing.T) {
	_, err := DiscoverNodes(context.Background(), fake.NewSimpleClientset())
	assert.Error(t, err)
}

func TestSplitRef(t *testing.T) {
	ns, name := SplitRef("kube-system/kube-proxy", "default")
	assert.Equal(t, "kube-system", ns)
	assert.Equal(t, "kube-proxy", name)

	ns, name = SplitRef("kube-proxy", "default")
	assert.Equal(t, "default", ns)
	assert.Equal(t, "kube-proxy", name)
}
