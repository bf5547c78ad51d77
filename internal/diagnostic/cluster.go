package diagnostic

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"k8s-netremedy/internal/types"
)

// Cluster bundles the API clients every component shares
type Cluster struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
}

// Connect builds cluster clients from an explicit kubeconfig, the in-cluster
// service account, or the default kubeconfig, in that order.
func Connect(kubeconfig string) (*Cluster, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
		if err != nil {
			// Try to use default kubeconfig
			config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes config")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes client")
	}

	return &Cluster{Clientset: clientset, Config: config}, nil
}

// Preflight checks that the API server answers and the probe namespace exists,
// creating it when missing.
func Preflight(ctx context.Context, clientset kubernetes.Interface, namespace string) error {
	if _, err := clientset.Discovery().ServerVersion(); err != nil {
		return errors.WithHint(errors.Wrap(err, "cluster API unreachable"),
			"check the kubeconfig and that the API server is up")
	}
	return ensureNamespace(ctx, clientset, namespace)
}

// ensureNamespace creates the namespace if it doesn't exist
func ensureNamespace(ctx context.Context, clientset kubernetes.Interface, name string) error {
	_, err := clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "failed to get namespace %s", name)
	}

	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app.kubernetes.io/managed-by": "k8s-netremedy"},
		},
	}
	_, err = clientset.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return errors.Wrapf(err, "failed to create namespace %s", name)
	}
	return nil
}

// SplitRef splits a namespace/name reference, defaulting the namespace
func SplitRef(ref, defaultNamespace string) (string, string) {
	if ns, name, ok := strings.Cut(ref, "/"); ok {
		return ns, name
	}
	return defaultNamespace, ref
}

// DiscoverTarget returns the ClusterIP of the cluster DNS service
func DiscoverTarget(ctx context.Context, clientset kubernetes.Interface, serviceRef string) (string, error) {
	namespace, name := SplitRef(serviceRef, metav1.NamespaceSystem)

	service, err := clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get service %s/%s", namespace, name)
	}

	ip := service.Spec.ClusterIP
	if ip == "" || ip == corev1.ClusterIPNone {
		return "", errors.Newf("service %s/%s has no ClusterIP assigned", namespace, name)
	}
	if net.ParseIP(ip) == nil {
		return "", errors.Newf("service %s/%s has invalid ClusterIP %q", namespace, name, ip)
	}
	return ip, nil
}

// DiscoverNodes lists every cluster node addressed by its InternalIP
func DiscoverNodes(ctx context.Context, clientset kubernetes.Interface) ([]types.Node, error) {
	list, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nodes")
	}

	var nodes []types.Node
	for _, n := range list.Items {
		node := types.Node{Name: n.Name}
		for _, addr := range n.Status.Addresses {
			if addr.Type == corev1.NodeInternalIP {
				node.Address = addr.Address
				break
			}
		}
		nodes = append(nodes, node)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("cluster has no nodes")
	}
	return nodes, nil
}
