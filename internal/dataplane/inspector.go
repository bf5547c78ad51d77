package dataplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

// Read-only node probes
var (
	cmdReadIPForward     = executor.Cmd("sysctl", "-n", "net.ipv4.ip_forward")
	cmdListModules       = executor.Cmd("ls", "-1", "/sys/module")
	cmdReadForwardPolicy = executor.Cmd("iptables", "-S", "FORWARD")
	cmdListIPVS          = executor.Cmd("ipvsadm", "-Ln")
)

// ProxyConfigSource returns the raw service-proxy configuration for a node
type ProxyConfigSource interface {
	ProxyConfig(ctx context.Context, node types.Node) (string, error)
}

// ConfigMapSource reads the cluster-wide kube-proxy ConfigMap
type ConfigMapSource struct {
	Clientset kubernetes.Interface
	Namespace string
	Name      string
	Key       string
}

// ProxyConfig implements ProxyConfigSource
func (s *ConfigMapSource) ProxyConfig(ctx context.Context, _ types.Node) (string, error) {
	cm, err := s.Clientset.CoreV1().ConfigMaps(s.Namespace).Get(ctx, s.Name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get configmap %s/%s: %w", s.Namespace, s.Name, err)
	}
	// A missing key is not an error: an empty config resolves to the default mode.
	return cm.Data[s.Key], nil
}

// NodeFileSource reads the proxy config file from the node itself
type NodeFileSource struct {
	Exec executor.Executor
	Path string
}

// ProxyConfig implements ProxyConfigSource
func (s *NodeFileSource) ProxyConfig(ctx context.Context, node types.Node) (string, error) {
	out, err := executor.Run(ctx, s.Exec, node, executor.Cmd("cat", s.Path))
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// ModulePolicy names the kernel modules a node must have loaded
type ModulePolicy struct {
	Modules     []string
	IPVSModules []string
}

// Required returns the modules required under the given proxy mode
func (p ModulePolicy) Required(mode types.ProxyMode) []string {
	mods := append([]string(nil), p.Modules...)
	if mode == types.ProxyModeIPVS {
		mods = append(mods, p.IPVSModules...)
	}
	return mods
}

// Inspector measures a node's dataplane state without mutating it
type Inspector struct {
	exec    executor.Executor
	source  ProxyConfigSource
	modules ModulePolicy
	logger  *zap.Logger
}

// NewInspector creates an inspector
func NewInspector(exec executor.Executor, source ProxyConfigSource, modules ModulePolicy, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{exec: exec, source: source, modules: modules, logger: logger}
}

// Inspect measures the node. Probes that cannot be read are recorded on the
// returned state instead of failing the whole inspection; the only error is
// cancellation of ctx.
func (i *Inspector) Inspect(ctx context.Context, node types.Node) (types.NodeNetworkState, error) {
	log := i.logger.With(zap.String("node", node.String()))
	state := types.NodeNetworkState{
		NodeID:                node.String(),
		ProxyMode:             types.ProxyModeIptables,
		RequiredModulesLoaded: map[string]struct{}{},
		ProbeErrors:           map[string]string{},
	}
	probeFailed := func(probe string, err error) {
		state.ProbeErrors[probe] = err.Error()
		metrics.InspectionErrorsTotal.WithLabelValues(probe).Inc()
		log.Warn("Probe could not be read", zap.String("probe", probe), zap.Error(err))
	}

	raw, err := i.source.ProxyConfig(ctx, node)
	if err != nil {
		probeFailed(types.ProbeProxyMode, err)
		log.Warn("Falling back to iptables proxy mode: configuration unreadable")
	} else {
		mode, fallback := parseMode(raw)
		state.ProxyMode = mode
		if fallback {
			log.Warn("No usable mode in proxy configuration, falling back to iptables",
				zap.Int("config_bytes", len(raw)))
		}
	}
	if ctx.Err() != nil {
		return state, ctx.Err()
	}

	if out, err := executor.Run(ctx, i.exec, node, cmdReadIPForward); err != nil {
		probeFailed(types.ProbeIPForward, err)
	} else if on, err := parseSysctlBool(out.Stdout); err != nil {
		probeFailed(types.ProbeIPForward, err)
	} else {
		state.IPForwardEnabled = on
	}

	if out, err := executor.Run(ctx, i.exec, node, cmdListModules); err != nil {
		probeFailed(types.ProbeModules, err)
	} else {
		loaded := parseModules(out.Stdout)
		for _, m := range i.modules.Required(state.ProxyMode) {
			if _, ok := loaded[m]; ok {
				state.RequiredModulesLoaded[m] = struct{}{}
			}
		}
	}

	if out, err := executor.Run(ctx, i.exec, node, cmdReadForwardPolicy); err != nil {
		probeFailed(types.ProbeForwardPolicy, err)
	} else if accept, err := parseForwardPolicy(out.Stdout); err != nil {
		probeFailed(types.ProbeForwardPolicy, err)
	} else {
		state.ForwardPolicyAccept = accept
	}

	if state.ProxyMode == types.ProxyModeIPVS {
		if out, err := executor.Run(ctx, i.exec, node, cmdListIPVS); err != nil {
			probeFailed(types.ProbeIPVS, err)
		} else {
			state.IPVSEntryCount = countIPVSEntries(out.Stdout)
		}
	}

	state.MeasuredAt = time.Now()
	log.Info("Node inspected",
		zap.String("proxy_mode", string(state.ProxyMode)),
		zap.Bool("ip_forward", state.IPForwardEnabled),
		zap.Strings("modules_loaded", state.LoadedModules()),
		zap.Bool("forward_accept", state.ForwardPolicyAccept),
		zap.Int("ipvs_entries", state.IPVSEntryCount),
		zap.Int("probe_errors", len(state.ProbeErrors)),
	)

	return state, ctx.Err()
}

func parseSysctlBool(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected sysctl value %q", strings.TrimSpace(out))
	}
}

func parseModules(out string) map[string]struct{} {
	loaded := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			loaded[fields[0]] = struct{}{}
		}
	}
	return loaded
}

// parseForwardPolicy reads the chain policy from `iptables -S FORWARD`
func parseForwardPolicy(out string) (bool, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "-P" && fields[1] == "FORWARD" {
			return fields[2] == "ACCEPT", nil
		}
	}
	return false, fmt.Errorf("no FORWARD policy line in iptables output")
}

// countIPVSEntries counts virtual services in `ipvsadm -Ln` output
func countIPVSEntries(out string) int {
	count := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "TCP", "UDP", "SCTP", "FWM":
			count++
		}
	}
	return count
}
