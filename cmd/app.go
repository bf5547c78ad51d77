package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"k8s-netremedy/internal/collector"
	"k8s-netremedy/internal/config"
	"k8s-netremedy/internal/dataplane"
	"k8s-netremedy/internal/diagnostic"
	"k8s-netremedy/internal/engine"
	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/logging"
	"k8s-netremedy/internal/types"
)

// app holds everything a subcommand needs, built once from configuration
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	cluster *diagnostic.Cluster
	exec    executor.Executor

	validator  *diagnostic.Validator
	inspector  *dataplane.Inspector
	remediator *dataplane.Remediator
	collector  *collector.Collector
	engine     *engine.Engine
}

// loadConfig decodes the global viper state and applies --node overrides
func loadConfig(nodeFlags []string) (*config.Config, error) {
	if len(nodeFlags) > 0 {
		nodes, err := parseNodes(nodeFlags)
		if err != nil {
			return nil, err
		}
		viper.Set("nodes", nodes)
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, errors.Mark(err, config.ErrInvalidConfig)
	}
	return cfg, nil
}

// parseNodes accepts "name" or "name=address"
func parseNodes(specs []string) ([]types.Node, error) {
	nodes := make([]types.Node, 0, len(specs))
	for _, spec := range specs {
		name, addr, _ := strings.Cut(strings.TrimSpace(spec), "=")
		if name == "" && addr == "" {
			return nil, errors.Mark(errors.Newf("invalid --node value %q", spec), config.ErrInvalidConfig)
		}
		nodes = append(nodes, types.Node{Name: name, Address: addr})
	}
	return nodes, nil
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Dir:     cfg.Log.Dir,
		Console: cfg.Log.Verbose,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logging")
	}

	a := &app{cfg: cfg, log: logger}
	if err := a.wire(); err != nil {
		_ = logger.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	base := a.log.Logger

	cluster, err := diagnostic.Connect(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	a.cluster = cluster

	a.exec, err = executor.New(cfg.Executor, cluster.Clientset, cluster.Config, logging.Component(base, "executor"))
	if err != nil {
		return errors.Wrap(err, "failed to create node executor")
	}

	var source dataplane.ProxyConfigSource
	switch cfg.Proxy.ConfigSource {
	case config.ProxySourceFile:
		source = &dataplane.NodeFileSource{Exec: a.exec, Path: cfg.Proxy.ConfigPath}
	default:
		ns, name := diagnostic.SplitRef(cfg.Proxy.ConfigMapRef, "kube-system")
		source = &dataplane.ConfigMapSource{
			Clientset: cluster.Clientset,
			Namespace: ns,
			Name:      name,
			Key:       cfg.Proxy.ConfigMapKey,
		}
	}

	var restarter dataplane.ProxyRestarter
	switch cfg.Proxy.RestartMethod {
	case config.RestartSystemd:
		restarter = &dataplane.SystemdRestarter{
			Exec:    a.exec,
			Service: cfg.Proxy.ServiceName,
			Wait:    cfg.Proxy.RestartWait,
		}
	default:
		restarter = &dataplane.PodRestarter{
			Clientset:     cluster.Clientset,
			Namespace:     cfg.Proxy.PodNamespace,
			LabelSelector: cfg.Proxy.PodLabelSelector,
			Wait:          cfg.Proxy.RestartWait,
		}
	}

	modules := dataplane.ModulePolicy{
		Modules:     cfg.Remediation.Modules,
		IPVSModules: cfg.Remediation.IPVSModules,
	}

	a.validator = diagnostic.NewValidator(cluster.Clientset, executor.NewSPDYPodExec(cluster.Clientset, cluster.Config), diagnostic.ValidatorOptions{
		Namespace: cfg.Namespace,
		Image:     cfg.Probe.Image,
		QueryName: cfg.Probe.QueryName,
		TTL:       cfg.Probe.TTL,
	}, logging.Component(base, "validator"))

	a.inspector = dataplane.NewInspector(a.exec, source, modules, logging.Component(base, "inspector"))

	a.remediator = dataplane.NewRemediator(a.exec, dataplane.RemediatorOptions{
		Policy: dataplane.Policy{
			EnableIPForward:   cfg.Remediation.EnableIPForward,
			LoadKernelModules: cfg.Remediation.LoadKernelModules,
			SetForwardPolicy:  cfg.Remediation.SetForwardPolicy,
			FlushIPVS:         cfg.Remediation.FlushIPVS,
			RestartProxy:      cfg.Remediation.RestartProxy,
			Modules:           modules,
		},
		Restarter: restarter,
		DryRun:    cfg.DryRun,
	}, logging.Component(base, "remediator"))

	a.collector = collector.New(cluster.Clientset, a.exec, collector.Options{
		OutputDir:         cfg.Diagnostics.OutputDir,
		DNSService:        cfg.DNSService,
		ProxyConfig:       source,
		ProxyPodNamespace: cfg.Proxy.PodNamespace,
		ProxyPodSelector:  cfg.Proxy.PodLabelSelector,
		NodeParallelism:   cfg.Remediation.Parallelism,
	}, logging.Component(base, "collector"))

	a.engine = engine.New(a.validator, a.inspector, a.remediator, a.collector, engine.Options{
		Parallelism: cfg.Remediation.Parallelism,
		Preflight:   a.preflight,
		Logger:      logging.Component(base, "engine"),
	})
	return nil
}

func (a *app) preflight(ctx context.Context) error {
	return diagnostic.Preflight(ctx, a.cluster.Clientset, a.cfg.Namespace)
}

// resolveTarget returns the configured target, or the ClusterIP of the DNS service
func (a *app) resolveTarget(ctx context.Context) (string, error) {
	if a.cfg.TargetIP != "" {
		return a.cfg.TargetIP, nil
	}
	ip, err := diagnostic.DiscoverTarget(ctx, a.cluster.Clientset, a.cfg.DNSService)
	if err != nil {
		return "", errors.Mark(err, engine.ErrFatal)
	}
	a.log.Info("Discovered DNS target", zap.String("service", a.cfg.DNSService), zap.String("target", ip))
	return ip, nil
}

// resolveNodes returns the configured nodes, or every node in the cluster
func (a *app) resolveNodes(ctx context.Context) ([]types.Node, error) {
	if len(a.cfg.Nodes) > 0 {
		return a.cfg.Nodes, nil
	}
	nodes, err := diagnostic.DiscoverNodes(ctx, a.cluster.Clientset)
	if err != nil {
		return nil, errors.Mark(err, engine.ErrFatal)
	}
	a.log.Info("Discovered cluster nodes", zap.Int("count", len(nodes)))
	return nodes, nil
}

func (a *app) Close() {
	if c, ok := a.exec.(executor.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("Failed to close executor", zap.Error(err))
		}
	}
	_ = a.log.Close()
}

func printConfig(cfg *config.Config) {
	fmt.Printf("🔍 Configuration:\n")
	fmt.Printf("  - Namespace: %s\n", cfg.Namespace)
	if cfg.Kubeconfig != "" {
		fmt.Printf("  - Kubeconfig: %s\n", cfg.Kubeconfig)
	} else {
		fmt.Printf("  - Using default kubectl context\n")
	}
	fmt.Printf("  - Executor: %s\n", cfg.Executor.Kind)
	fmt.Printf("  - Attempts: %d (delay %s, run timeout %s)\n",
		cfg.Retry.MaxAttempts, cfg.Retry.InterAttemptDelay, cfg.Retry.RunTimeout)
	if cfg.DryRun {
		fmt.Printf("  - Dry run: no node will be changed\n")
	}
	fmt.Printf("\n")
}
