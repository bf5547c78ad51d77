// Package collector gathers the post-mortem diagnostics bundle written when a
// run exhausts its attempts.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"k8s-netremedy/internal/dataplane"
	"k8s-netremedy/internal/diagnostic"
	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

// Options locates the cluster objects worth capturing
type Options struct {
	OutputDir string

	DNSService   string // namespace/name
	DNSConfigMap string // namespace/name of the CoreDNS Corefile
	ProxyConfig  dataplane.ProxyConfigSource

	ProxyPodNamespace string
	ProxyPodSelector  string
	LogTailLines      int64

	// NodeParallelism bounds concurrent per-node dumps
	NodeParallelism int
}

// step is one best-effort collection unit
type step struct {
	Name    string
	File    string
	Collect func(ctx context.Context) (string, error)
}

// Collector builds and archives diagnostics bundles
type Collector struct {
	clientset kubernetes.Interface
	exec      executor.Executor
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
	id        func() string
}

// New creates a collector
func New(clientset kubernetes.Interface, exec executor.Executor, opts Options, logger *zap.Logger) *Collector {
	if opts.DNSService == "" {
		opts.DNSService = "kube-system/kube-dns"
	}
	if opts.DNSConfigMap == "" {
		opts.DNSConfigMap = "kube-system/coredns"
	}
	if opts.ProxyPodNamespace == "" {
		opts.ProxyPodNamespace = metav1.NamespaceSystem
	}
	if opts.ProxyPodSelector == "" {
		opts.ProxyPodSelector = "k8s-app=kube-proxy"
	}
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = 500
	}
	if opts.NodeParallelism < 1 {
		opts.NodeParallelism = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{clientset: clientset, exec: exec, opts: opts, logger: logger, now: time.Now, id: archiveID}
}

// Collect snapshots cluster and node state, writes it to a timestamped
// compressed archive and returns the bundle. A failing step is recorded in
// the bundle and never stops the others. The error return is used only when
// no archive could be written at all.
func (c *Collector) Collect(ctx context.Context, nodes []types.Node, target string, attempts []types.Attempt) (*types.DiagnosticsBundle, error) {
	createdAt := c.now()
	bundle := &types.DiagnosticsBundle{
		CreatedAt:        createdAt,
		Target:           target,
		PerNodeSnapshots: make(map[string]types.NodeSnapshot, len(nodes)),
		ClusterSnapshot:  types.ClusterSnapshot{ProxyLogs: map[string]string{}},
	}
	files := newFileSet()
	var mu sync.Mutex
	var failures error

	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
		metrics.CollectorFailuresTotal.Inc()
		c.logger.Warn("Diagnostics step failed", zap.String("step", name), zap.Error(err))
	}
	run := func(ctx context.Context, s step) string {
		out, err := s.Collect(ctx)
		if err != nil {
			record(s.Name, err)
		}
		if out != "" {
			files.Add(s.File, out)
		}
		return out
	}

	// Cluster-wide state
	var dns []string
	for _, s := range c.dnsSteps(target) {
		if out := run(ctx, s); out != "" {
			dns = append(dns, out)
		}
	}
	bundle.ClusterSnapshot.DNSServiceConfig = strings.Join(dns, "\n---\n")
	bundle.ClusterSnapshot.ProxyConfig = run(ctx, c.proxyConfigStep(nodes))

	logs, err := c.proxyLogs(ctx)
	if err != nil {
		record("proxy-logs", err)
	}
	for pod, text := range logs {
		bundle.ClusterSnapshot.ProxyLogs[pod] = text
		files.Add(path.Join("cluster", "proxy-logs", pod+".log"), text)
	}

	// Per-node state
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.NodeParallelism)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			snapshot := c.nodeSnapshot(gctx, node, run)
			mu.Lock()
			bundle.PerNodeSnapshots[node.String()] = snapshot
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failures != nil {
		for _, e := range failures.(*multierror.Error).Errors {
			bundle.CollectorErrors = append(bundle.CollectorErrors, e.Error())
		}
		sort.Strings(bundle.CollectorErrors)
		files.Add("errors.txt", strings.Join(bundle.CollectorErrors, "\n")+"\n")
	}

	if report, err := json.MarshalIndent(diagnostic.NewAttemptReport(target, attempts), "", "  "); err == nil {
		files.Add("attempts.json", string(report))
	}

	archivePath, err := c.writeArchive(createdAt, files, bundle)
	if err != nil {
		return bundle, err
	}
	bundle.ArchivePath = archivePath

	c.logger.Info("Diagnostics bundle written",
		zap.String("archive", archivePath),
		zap.Int("nodes", len(bundle.PerNodeSnapshots)),
		zap.Int("collector_errors", len(bundle.CollectorErrors)),
	)
	return bundle, nil
}

func (c *Collector) dnsSteps(target string) []step {
	svcNS, svcName := diagnostic.SplitRef(c.opts.DNSService, metav1.NamespaceSystem)
	cmNS, cmName := diagnostic.SplitRef(c.opts.DNSConfigMap, metav1.NamespaceSystem)

	return []step{
		{
			Name: "dns-service",
			File: "cluster/dns-service.json",
			Collect: func(ctx context.Context) (string, error) {
				svc, err := c.clientset.CoreV1().Services(svcNS).Get(ctx, svcName, metav1.GetOptions{})
				if err != nil {
					return "", err
				}
				if svc.Spec.ClusterIP != target {
					c.logger.Warn("DNS service ClusterIP differs from the validated target",
						zap.String("cluster_ip", svc.Spec.ClusterIP))
				}
				return toJSON(svc)
			},
		},
		{
			Name: "dns-endpoints",
			File: "cluster/dns-endpoints.json",
			Collect: func(ctx context.Context) (string, error) {
				ep, err := c.clientset.CoreV1().Endpoints(svcNS).Get(ctx, svcName, metav1.GetOptions{})
				if err != nil {
					return "", err
				}
				return toJSON(ep)
			},
		},
		{
			Name: "dns-corefile",
			File: "cluster/Corefile",
			Collect: func(ctx context.Context) (string, error) {
				cm, err := c.clientset.CoreV1().ConfigMaps(cmNS).Get(ctx, cmName, metav1.GetOptions{})
				if err != nil {
					return "", err
				}
				corefile, ok := cm.Data["Corefile"]
				if !ok {
					return "", fmt.Errorf("configmap %s/%s has no Corefile key", cmNS, cmName)
				}
				return corefile, nil
			},
		},
	}
}

// proxyConfigStep reads the proxy configuration as seen from the first
// node that returns it
func (c *Collector) proxyConfigStep(nodes []types.Node) step {
	return step{
		Name: "proxy-config",
		File: "cluster/kube-proxy-config.conf",
		Collect: func(ctx context.Context) (string, error) {
			if c.opts.ProxyConfig == nil {
				return "", fmt.Errorf("no proxy config source configured")
			}
			var result error
			for _, node := range nodes {
				text, err := c.opts.ProxyConfig.ProxyConfig(ctx, node)
				if err == nil {
					return text, nil
				}
				result = multierror.Append(result, err)
			}
			return "", result
		},
	}
}

func (c *Collector) proxyLogs(ctx context.Context) (map[string]string, error) {
	pods, err := c.clientset.CoreV1().Pods(c.opts.ProxyPodNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: c.opts.ProxyPodSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy pods: %w", err)
	}

	logs := make(map[string]string, len(pods.Items))
	var result error
	for _, pod := range pods.Items {
		raw, err := c.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines: &c.opts.LogTailLines,
		}).DoRaw(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("logs of %s: %w", pod.Name, err))
			continue
		}
		logs[pod.Name] = string(raw)
	}
	return logs, result
}

func (c *Collector) nodeSnapshot(ctx context.Context, node types.Node, run func(context.Context, step) string) types.NodeSnapshot {
	dir := path.Join("nodes", node.String())
	dump := func(name, file string, cmd executor.Command) step {
		return step{
			Name: fmt.Sprintf("%s/%s", node, name),
			File: path.Join(dir, file),
			Collect: func(ctx context.Context) (string, error) {
				out, err := executor.Run(ctx, c.exec, node, cmd)
				return out.Combined(), err
			},
		}
	}

	return types.NodeSnapshot{
		Sysctls:       run(ctx, dump("sysctls", "sysctls.txt", executor.Cmd("sysctl", "-a"))),
		FirewallRules: run(ctx, dump("firewall", "iptables-save.txt", executor.Cmd("iptables-save"))),
		IPVSTable:     run(ctx, dump("ipvs", "ipvsadm.txt", executor.Cmd("ipvsadm", "-Ln"))),
		Interfaces:    run(ctx, dump("interfaces", "ip-addr.txt", executor.Cmd("ip", "addr"))),
		Routes:        run(ctx, dump("routes", "ip-route.txt", executor.Cmd("ip", "route"))),
	}
}

func toJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
