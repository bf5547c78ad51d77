package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"k8s-netremedy/internal/dataplane"
	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/testutil"
	"k8s-netremedy/internal/types"
)

const target = "10.96.0.10"

type validatorFunc func(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult

func (f validatorFunc) Validate(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult {
	return f(ctx, targetIP, timeout)
}

// countingValidator reports status() and counts calls
type countingValidator struct {
	mu     sync.Mutex
	calls  int
	status func() types.ValidationStatus
}

func (v *countingValidator) Validate(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return types.ValidationResult{Status: v.status(), ObservedAt: time.Now(), RawOutput: "nslookup " + targetIP}
}

func (v *countingValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeCollector struct {
	calls    int
	attempts []types.Attempt
	err      error
}

func (c *fakeCollector) Collect(ctx context.Context, nodes []types.Node, target string, attempts []types.Attempt) (*types.DiagnosticsBundle, error) {
	c.calls++
	c.attempts = attempts
	return &types.DiagnosticsBundle{
		CreatedAt:   time.Now(),
		Target:      target,
		ArchivePath: "/var/tmp/netremedy-diagnostics-20260301-100000-0a1b2c3d.tar.gz",
	}, c.err
}

// dnsHealthy resolves only when every node forwards and no node holds stale IPVS entries
func dnsHealthy(cluster *testutil.FakeCluster, names ...string) func() types.ValidationStatus {
	return func() types.ValidationStatus {
		for _, name := range names {
			n := cluster.Node(name)
			if !n.IPForward || n.IPVSEntries > 0 {
				return types.StatusDNSTimeout
			}
		}
		return types.StatusSuccess
	}
}

func newEngine(cluster *testutil.FakeCluster, v Validator, c Collector, opts Options) *Engine {
	inspector := dataplane.NewInspector(cluster, &dataplane.NodeFileSource{Exec: cluster, Path: "/var/lib/kube-proxy/config.conf"}, dataplane.DefaultPolicy().Modules, nil)
	remediator := dataplane.NewRemediator(cluster, dataplane.RemediatorOptions{
		Policy:    dataplane.DefaultPolicy(),
		Restarter: &dataplane.SystemdRestarter{Exec: cluster, Service: "kube-proxy", Wait: time.Second, PollInterval: 5 * time.Millisecond},
		Locks:     executor.NewNodeLocks(),
	}, nil)
	return New(v, inspector, remediator, c, opts)
}

func nodes(names ...string) []types.Node {
	var out []types.Node
	for _, n := range names {
		out = append(out, types.Node{Name: n})
	}
	return out
}

func ipvsNode() *testutil.FakeNode {
	n := testutil.HealthyNode("br_netfilter", "ip_vs", "ip_vs_rr", "ip_vs_wrr", "ip_vs_sh", "nf_conntrack")
	n.ProxyConfig = "apiVersion: kubeproxy.config.k8s.io/v1alpha1\nkind: KubeProxyConfiguration\nmode: \"ipvs\"\n"
	return n
}

func TestRunSucceedsWithoutRemediation(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode("br_netfilter")})
	v := &countingValidator{status: dnsHealthy(cluster, "worker-1")}
	collector := &fakeCollector{}

	result, err := newEngine(cluster, v, collector, Options{}).Run(context.Background(), Request{Target: target, Nodes: nodes("worker-1")})
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Empty(t, result.Attempts)
	assert.Nil(t, result.Bundle)
	assert.Equal(t, 1, v.Calls())
	assert.Zero(t, collector.calls)
	assert.NotEmpty(t, result.RunID)
	assert.Empty(t, cluster.Calls("worker-1"), "nodes are not touched when DNS already works")
}

func TestRunRemediatesIPVSNode(t *testing.T) {
	broken := ipvsNode()
	broken.IPForward = false
	broken.IPVSEntries = 3
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{
		"worker-1": ipvsNode(),
		"worker-2": broken,
		"worker-3": ipvsNode(),
	})
	v := &countingValidator{status: dnsHealthy(cluster, "worker-1", "worker-2", "worker-3")}

	result, err := newEngine(cluster, v, &fakeCollector{}, Options{}).Run(context.Background(), Request{
		Target: target,
		Nodes:  nodes("worker-1", "worker-2", "worker-3"),
	})
	require.NoError(t, err)

	require.True(t, result.Succeeded())
	require.Len(t, result.Attempts, 1)
	attempt := result.Attempts[0]

	assert.Equal(t, types.StatusDNSTimeout, attempt.PreValidation.Status)
	require.NotNil(t, attempt.PostValidation)
	assert.Equal(t, types.StatusSuccess, attempt.PostValidation.Status)
	assert.Equal(t, types.ProxyModeIPVS, attempt.NodeStates["worker-2"].ProxyMode)

	var applied []string
	for _, a := range attempt.Applied("worker-2") {
		applied = append(applied, a.String())
	}
	assert.Equal(t, []string{"EnableIPForward", "FlushIPVSTable", "RestartProxyService"}, applied)
	assert.Empty(t, attempt.Applied("worker-1"))
	assert.Empty(t, attempt.Applied("worker-3"))
	assert.Equal(t, 2, v.Calls())
}

func TestRunRespectsAttemptBudget(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode("br_netfilter")})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusDNSRefused }}
	collector := &fakeCollector{}

	result, err := newEngine(cluster, v, collector, Options{}).Run(context.Background(), Request{
		Target:      target,
		Nodes:       nodes("worker-1"),
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, v.Calls(), "one validation per attempt")
	require.Len(t, result.Attempts, 3)
	for i, a := range result.Attempts {
		assert.Equal(t, i+1, a.Index)
	}
	assert.NotEmpty(t, result.Attempts[0].NodeStates)
	assert.NotEmpty(t, result.Attempts[1].NodeStates)
	assert.Empty(t, result.Attempts[2].NodeStates, "the last attempt goes straight to collection")
	assert.Nil(t, result.Attempts[2].PostValidation)
	assert.Equal(t, types.StatusDNSRefused, result.Attempts[0].PostValidation.Status)

	require.NotNil(t, result.Bundle)
	assert.NotEmpty(t, result.Bundle.ArchivePath)
	assert.Equal(t, 1, collector.calls)
	assert.Len(t, collector.attempts, 3)
}

func TestRunSingleAttempt(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode()})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusNoRoute }}

	result, err := newEngine(cluster, v, &fakeCollector{}, Options{}).Run(context.Background(), Request{
		Target:      target,
		Nodes:       nodes("worker-1"),
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Calls())
	assert.Len(t, result.Attempts, 1)
	assert.Empty(t, cluster.MutatingCalls("worker-1"))
}

func TestRunContinuesPastBrokenNodes(t *testing.T) {
	unloadable := testutil.HealthyNode()
	unloadable.IPForward = false
	unloadable.Unloadable["br_netfilter"] = true
	offline := testutil.HealthyNode()
	offline.Unreachable = true
	drop := testutil.HealthyNode("br_netfilter")
	drop.ForwardPolicy = "DROP"

	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{
		"worker-1": unloadable,
		"worker-2": offline,
		"worker-3": drop,
	})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusDNSTimeout }}

	result, err := newEngine(cluster, v, &fakeCollector{}, Options{}).Run(context.Background(), Request{
		Target:      target,
		Nodes:       nodes("worker-1", "worker-2", "worker-3"),
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, result.Outcome)

	first := result.Attempts[0]
	assert.True(t, cluster.Node("worker-1").IPForward, "forwarding fixed despite the module failure")
	assert.Equal(t, "ACCEPT", cluster.Node("worker-3").ForwardPolicy)
	assert.Len(t, first.NodeStates["worker-2"].ProbeErrors, 4, "unreachable node is measured as unknown")
	assert.Empty(t, first.ActionsApplied["worker-2"])
}

func TestRunParallelNodes(t *testing.T) {
	fleet := map[string]*testutil.FakeNode{}
	var names []string
	for i := 1; i <= 6; i++ {
		n := testutil.HealthyNode("br_netfilter")
		n.IPForward = false
		name := fmt.Sprintf("worker-%d", i)
		fleet[name] = n
		names = append(names, name)
	}
	cluster := testutil.NewFakeCluster(fleet)
	v := &countingValidator{status: dnsHealthy(cluster, names...)}

	result, err := newEngine(cluster, v, &fakeCollector{}, Options{Parallelism: 3}).Run(context.Background(), Request{Target: target, Nodes: nodes(names...)})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	for _, name := range names {
		assert.True(t, cluster.Node(name).IPForward, name)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusSuccess }}
	e := newEngine(cluster, v, &fakeCollector{}, Options{})

	_, err := e.Run(context.Background(), Request{Target: "kube-dns", Nodes: nodes("worker-1")})
	assert.True(t, errors.Is(err, ErrFatal))

	_, err = e.Run(context.Background(), Request{Target: target})
	assert.True(t, errors.Is(err, ErrFatal))

	_, err = e.Run(context.Background(), Request{Target: target, Nodes: nodes("worker-1"), MaxAttempts: -1})
	assert.True(t, errors.Is(err, ErrFatal))

	assert.Zero(t, v.Calls())
}

func TestRunPreflightFailureIsFatal(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode()})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusSuccess }}
	collector := &fakeCollector{}
	e := newEngine(cluster, v, collector, Options{Preflight: func(ctx context.Context) error {
		return errors.New("connection refused")
	}})

	result, err := e.Run(context.Background(), Request{Target: target, Nodes: nodes("worker-1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
	assert.Nil(t, result)
	assert.Zero(t, v.Calls())
	assert.Zero(t, collector.calls)
}

func TestRunCallerCancellation(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode()})
	ctx, cancel := context.WithCancel(context.Background())
	v := validatorFunc(func(ctx context.Context, targetIP string, timeout time.Duration) types.ValidationResult {
		cancel()
		return types.ValidationResult{Status: types.StatusUnknown, ObservedAt: time.Now()}
	})
	collector := &fakeCollector{}

	result, err := newEngine(cluster, v, collector, Options{}).Run(ctx, Request{Target: target, Nodes: nodes("worker-1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Zero(t, collector.calls)
	assert.Empty(t, cluster.Calls("worker-1"))
}

// blockingCollector holds Collect until its context ends
type blockingCollector struct {
	started chan struct{}
	ctxErr  error
}

func (c *blockingCollector) Collect(ctx context.Context, nodes []types.Node, target string, attempts []types.Attempt) (*types.DiagnosticsBundle, error) {
	close(c.started)
	<-ctx.Done()
	c.ctxErr = ctx.Err()
	return &types.DiagnosticsBundle{CreatedAt: time.Now(), Target: target}, ctx.Err()
}

func TestRunCancellationStopsCollection(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode("br_netfilter")})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusDNSTimeout }}
	collector := &blockingCollector{started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-collector.started
		cancel()
	}()

	done := make(chan struct{})
	var result *types.EngineResult
	var err error
	go func() {
		defer close(done)
		result, err = newEngine(cluster, v, collector, Options{}).Run(ctx, Request{
			Target:      target,
			Nodes:       nodes("worker-1"),
			MaxAttempts: 1,
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation during collection")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(collector.ctxErr, context.Canceled))
	require.NotNil(t, result)
	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Len(t, result.Attempts, 1)
}

func TestRunDeadlineCollectsDiagnostics(t *testing.T) {
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": testutil.HealthyNode("br_netfilter")})
	v := &countingValidator{status: func() types.ValidationStatus { return types.StatusDNSTimeout }}
	collector := &fakeCollector{}

	start := time.Now()
	result, err := newEngine(cluster, v, collector, Options{}).Run(context.Background(), Request{
		Target:            target,
		Nodes:             nodes("worker-1"),
		MaxAttempts:       10,
		InterAttemptDelay: time.Hour,
		RunTimeout:        50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, types.OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, v.Calls())
	require.NotNil(t, result.Bundle)
	assert.NotEmpty(t, result.Bundle.ArchivePath)
	assert.Equal(t, 1, collector.calls)
}

func TestRunLogsEveryAttempt(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	node := testutil.HealthyNode("br_netfilter")
	node.IPForward = false
	cluster := testutil.NewFakeCluster(map[string]*testutil.FakeNode{"worker-1": node})
	v := &countingValidator{status: dnsHealthy(cluster, "worker-1")}

	_, err := newEngine(cluster, v, &fakeCollector{}, Options{Logger: zap.New(core)}).Run(context.Background(), Request{Target: target, Nodes: nodes("worker-1")})
	require.NoError(t, err)

	failed := logs.FilterMessage("Validation failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(1), failed[0].ContextMap()["attempt"])
	assert.Equal(t, "DNSTimeout", failed[0].ContextMap()["status"])

	passes := logs.FilterMessage("Node pass complete").All()
	require.Len(t, passes, 1)
	assert.Equal(t, "changed", passes[0].ContextMap()["EnableIPForward"])
	assert.Equal(t, 1, logs.FilterMessage("Connectivity verified").Len())
}
