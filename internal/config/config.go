package config

import (
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"k8s-netremedy/internal/types"
)

// ErrInvalidConfig marks configuration problems that must stop a run before
// the retry loop is entered.
var ErrInvalidConfig = errors.New("invalid configuration")

// Executor kinds
const (
	ExecutorLocal = "local"
	ExecutorSSH   = "ssh"
	ExecutorAgent = "agent"
)

// Proxy config sources and restart methods
const (
	ProxySourceConfigMap = "configmap"
	ProxySourceFile      = "file"

	RestartPod     = "pod"
	RestartSystemd = "systemd"
)

// Config holds application configuration
type Config struct {
	Kubeconfig    string       `mapstructure:"kubeconfig"`
	Namespace     string       `mapstructure:"namespace"`
	TargetIP      string       `mapstructure:"target_cluster_ip"`
	DNSService    string       `mapstructure:"dns_service"`
	Nodes         []types.Node `mapstructure:"nodes"`
	DiscoverNodes bool         `mapstructure:"discover_nodes"`
	DryRun        bool         `mapstructure:"dry_run"`
	MetricsFile   string       `mapstructure:"metrics_file"`
	Log           LogConfig    `mapstructure:"log"`
	Retry         RetryConfig  `mapstructure:"retry"`
	Probe         ProbeConfig  `mapstructure:"probe"`
	Executor      ExecConfig   `mapstructure:"executor"`
	Proxy         ProxyConfig  `mapstructure:"proxy"`
	Remediation   RemedyConfig `mapstructure:"remediation"`
	Diagnostics   DiagConfig   `mapstructure:"diagnostics"`
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Verbose bool   `mapstructure:"verbose"`
}

// RetryConfig bounds the validate/remediate loop
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InterAttemptDelay time.Duration `mapstructure:"inter_attempt_delay"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
}

// ProbeConfig describes the ephemeral DNS probe workload
type ProbeConfig struct {
	Image     string        `mapstructure:"image"`
	QueryName string        `mapstructure:"query_name"`
	Timeout   time.Duration `mapstructure:"timeout"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ExecConfig selects how commands reach a node
type ExecConfig struct {
	Kind    string        `mapstructure:"kind"`
	Timeout time.Duration `mapstructure:"timeout"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Agent   AgentConfig   `mapstructure:"agent"`
}

// SSHConfig holds SSH executor credentials
type SSHConfig struct {
	User                  string `mapstructure:"user"`
	Port                  int    `mapstructure:"port"`
	KeyFile               string `mapstructure:"key_file"`
	KnownHostsFile        string `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
	Sudo                  bool   `mapstructure:"sudo"`
}

// AgentConfig locates the per-node privileged agent pods
type AgentConfig struct {
	Namespace     string `mapstructure:"namespace"`
	LabelSelector string `mapstructure:"label_selector"`
	Container     string `mapstructure:"container"`
	HostNamespace bool   `mapstructure:"host_namespace"`
}

// ProxyConfig locates and restarts the service proxy
type ProxyConfig struct {
	ConfigSource     string        `mapstructure:"config_source"`
	ConfigMapRef     string        `mapstructure:"configmap"`
	ConfigMapKey     string        `mapstructure:"configmap_key"`
	ConfigPath       string        `mapstructure:"config_path"`
	RestartMethod    string        `mapstructure:"restart_method"`
	ServiceName      string        `mapstructure:"service_name"`
	PodNamespace     string        `mapstructure:"pod_namespace"`
	PodLabelSelector string        `mapstructure:"pod_label_selector"`
	RestartWait      time.Duration `mapstructure:"restart_wait"`
}

// RemedyConfig toggles individual corrective actions
type RemedyConfig struct {
	EnableIPForward   bool     `mapstructure:"enable_ip_forward"`
	LoadKernelModules bool     `mapstructure:"load_kernel_modules"`
	SetForwardPolicy  bool     `mapstructure:"set_forward_policy"`
	FlushIPVS         bool     `mapstructure:"flush_ipvs"`
	RestartProxy      bool     `mapstructure:"restart_proxy"`
	Modules           []string `mapstructure:"modules"`
	IPVSModules       []string `mapstructure:"ipvs_modules"`
	Parallelism       int      `mapstructure:"parallelism"`
}

// DiagConfig controls where diagnostics bundles are written
type DiagConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "netremedy-probe")
	v.SetDefault("dns_service", "kube-system/kube-dns")
	v.SetDefault("discover_nodes", true)
	v.SetDefault("dry_run", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "test_results/logs")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.inter_attempt_delay", 10*time.Second)
	v.SetDefault("retry.run_timeout", 10*time.Minute)

	v.SetDefault("probe.image", "nicolaka/netshoot")
	v.SetDefault("probe.query_name", "kubernetes.default.svc.cluster.local")
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.ttl", 2*time.Minute)

	v.SetDefault("executor.kind", ExecutorAgent)
	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("executor.ssh.user", "root")
	v.SetDefault("executor.ssh.port", 22)
	v.SetDefault("executor.agent.namespace", "kube-system")
	v.SetDefault("executor.agent.label_selector", "app=netremedy-agent")
	v.SetDefault("executor.agent.container", "agent")
	v.SetDefault("executor.agent.host_namespace", true)

	v.SetDefault("proxy.config_source", ProxySourceConfigMap)
	v.SetDefault("proxy.configmap", "kube-system/kube-proxy")
	v.SetDefault("proxy.configmap_key", "config.conf")
	v.SetDefault("proxy.config_path", "/var/lib/kube-proxy/config.conf")
	v.SetDefault("proxy.restart_method", RestartPod)
	v.SetDefault("proxy.service_name", "kube-proxy")
	v.SetDefault("proxy.pod_namespace", "kube-system")
	v.SetDefault("proxy.pod_label_selector", "k8s-app=kube-proxy")
	v.SetDefault("proxy.restart_wait", 90*time.Second)

	v.SetDefault("remediation.enable_ip_forward", true)
	v.SetDefault("remediation.load_kernel_modules", true)
	v.SetDefault("remediation.set_forward_policy", true)
	v.SetDefault("remediation.flush_ipvs", true)
	v.SetDefault("remediation.restart_proxy", true)
	v.SetDefault("remediation.modules", []string{"br_netfilter"})
	v.SetDefault("remediation.ipvs_modules", []string{"ip_vs", "ip_vs_rr", "ip_vs_wrr", "ip_vs_sh", "nf_conntrack"})
	v.SetDefault("remediation.parallelism", 1)

	v.SetDefault("diagnostics.output_dir", "test_results/diagnostics")
}

// Load loads configuration from the given viper instance
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and bounds. Every problem is reported at once.
func (c *Config) Validate() error {
	var result error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.TargetIP != "" && net.ParseIP(c.TargetIP) == nil {
		fail("target_cluster_ip %q is not a valid IP address", c.TargetIP)
	}
	if c.TargetIP == "" && c.DNSService == "" {
		fail("either target_cluster_ip or dns_service must be set")
	}
	if len(c.Nodes) == 0 && !c.DiscoverNodes {
		fail("no nodes configured and node discovery is disabled")
	}
	// The agent executor and the pod restart strategy find a node's pods by node name
	var needsName string
	switch {
	case c.Executor.Kind == ExecutorAgent:
		needsName = "the agent executor"
	case c.Remediation.RestartProxy && c.Proxy.RestartMethod == RestartPod:
		needsName = "the pod restart method"
	}
	for i, n := range c.Nodes {
		switch {
		case n.Name == "" && n.Address == "":
			fail("nodes[%d] has neither name nor address", i)
		case n.Name == "" && needsName != "":
			fail("nodes[%d] (%s) has no name, which %s requires", i, n.Address, needsName)
		}
	}
	if c.Namespace == "" {
		fail("namespace must not be empty")
	}

	if c.Retry.MaxAttempts < 1 {
		fail("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InterAttemptDelay < 0 {
		fail("retry.inter_attempt_delay must not be negative")
	}
	if c.Retry.RunTimeout <= 0 {
		fail("retry.run_timeout must be positive")
	}
	if c.Probe.Timeout <= 0 {
		fail("probe.timeout must be positive")
	}
	if c.Probe.Image == "" {
		fail("probe.image must not be empty")
	}

	switch c.Executor.Kind {
	case ExecutorLocal, ExecutorAgent:
	case ExecutorSSH:
		if c.Executor.SSH.KeyFile == "" {
			fail("executor.ssh.key_file is required for the ssh executor")
		}
		if c.Executor.SSH.KnownHostsFile == "" && !c.Executor.SSH.InsecureIgnoreHostKey {
			fail("executor.ssh.known_hosts_file is required unless insecure_ignore_host_key is set")
		}
	default:
		fail("executor.kind %q is not one of local, ssh, agent", c.Executor.Kind)
	}
	if c.Executor.Kind == ExecutorLocal && len(c.Nodes) > 1 {
		fail("the local executor can only drive a single node, got %d", len(c.Nodes))
	}

	switch c.Proxy.ConfigSource {
	case ProxySourceConfigMap, ProxySourceFile:
	default:
		fail("proxy.config_source %q is not one of configmap, file", c.Proxy.ConfigSource)
	}
	switch c.Proxy.RestartMethod {
	case RestartPod, RestartSystemd:
	default:
		fail("proxy.restart_method %q is not one of pod, systemd", c.Proxy.RestartMethod)
	}

	if c.Remediation.Parallelism < 1 {
		fail("remediation.parallelism must be at least 1")
	}
	if c.Diagnostics.OutputDir == "" {
		fail("diagnostics.output_dir must not be empty")
	}

	if result != nil {
		return errors.Mark(errors.Wrap(result, "configuration rejected"), ErrInvalidConfig)
	}
	return nil
}
