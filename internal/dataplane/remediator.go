package dataplane

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"k8s-netremedy/internal/executor"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

// Policy enables individual rows of the remediation decision table
type Policy struct {
	EnableIPForward   bool
	LoadKernelModules bool
	SetForwardPolicy  bool
	FlushIPVS         bool
	RestartProxy      bool
	Modules           ModulePolicy
}

// DefaultPolicy enables every action with the stock module lists
func DefaultPolicy() Policy {
	return Policy{
		EnableIPForward:   true,
		LoadKernelModules: true,
		SetForwardPolicy:  true,
		FlushIPVS:         true,
		RestartProxy:      true,
		Modules: ModulePolicy{
			Modules:     []string{"br_netfilter"},
			IPVSModules: []string{"ip_vs", "ip_vs_rr", "ip_vs_wrr", "ip_vs_sh", "nf_conntrack"},
		},
	}
}

// Plan returns the corrective actions the measured state calls for, in the
// order they must be applied. RestartProxyService is not part of the plan: it
// is decided after the plan runs, from what actually changed. Rows whose
// input probe could not be read are left out.
func Plan(state types.NodeNetworkState, policy Policy) []types.RemediationAction {
	var plan []types.RemediationAction

	if policy.EnableIPForward && state.Measured(types.ProbeIPForward) && !state.IPForwardEnabled {
		plan = append(plan, types.RemediationAction{Kind: types.ActionEnableIPForward})
	}

	if policy.LoadKernelModules && state.Measured(types.ProbeModules) {
		for _, m := range policy.Modules.Required(state.ProxyMode) {
			if !state.ModuleLoaded(m) {
				plan = append(plan, types.RemediationAction{Kind: types.ActionLoadKernelModule, Module: m})
			}
		}
	}

	if policy.SetForwardPolicy && state.Measured(types.ProbeForwardPolicy) && !state.ForwardPolicyAccept {
		plan = append(plan, types.RemediationAction{Kind: types.ActionSetForwardPolicyAccept})
	}

	if policy.FlushIPVS && state.ProxyMode == types.ProxyModeIPVS && state.Measured(types.ProbeIPVS) && state.IPVSEntryCount > 0 {
		plan = append(plan, types.RemediationAction{Kind: types.ActionFlushIPVSTable})
	}

	return plan
}

// Applied returns the actions whose verdict was changed
func Applied(outcomes []types.ActionOutcome) []types.RemediationAction {
	var out []types.RemediationAction
	for _, o := range outcomes {
		if o.Verdict == types.VerdictChanged {
			out = append(out, o.Action)
		}
	}
	return out
}

// Remediator applies planned actions to a node, checking every precondition
// against the live node before acting and every postcondition after.
type Remediator struct {
	exec      executor.Executor
	restarter ProxyRestarter
	policy    Policy
	locks     *executor.NodeLocks
	dryRun    bool
	logger    *zap.Logger
}

// RemediatorOptions configures a Remediator
type RemediatorOptions struct {
	Policy    Policy
	Restarter ProxyRestarter
	Locks     *executor.NodeLocks
	DryRun    bool
}

// NewRemediator creates a remediator
func NewRemediator(exec executor.Executor, opts RemediatorOptions, logger *zap.Logger) *Remediator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Locks == nil {
		opts.Locks = executor.DefaultLocks
	}
	return &Remediator{
		exec:      exec,
		restarter: opts.Restarter,
		policy:    opts.Policy,
		locks:     opts.Locks,
		dryRun:    opts.DryRun,
		logger:    logger,
	}
}

// Remediate applies the plan for state to node. A failing action is recorded
// and the remaining actions still run. The error return is only used when the
// node lock could not be taken.
func (r *Remediator) Remediate(ctx context.Context, node types.Node, state types.NodeNetworkState) ([]types.ActionOutcome, error) {
	log := r.logger.With(zap.String("node", node.String()))

	release, err := r.locks.Acquire(ctx, node.String())
	if err != nil {
		return nil, fmt.Errorf("failed to lock node %s: %w", node, err)
	}
	defer release()

	plan := Plan(state, r.policy)
	if len(plan) == 0 {
		log.Info("Node already compliant, nothing to remediate")
		return nil, nil
	}

	var outcomes []types.ActionOutcome
	pending := false
	for _, action := range plan {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		o := r.apply(ctx, node, action)
		outcomes = append(outcomes, o)
		if o.Verdict == types.VerdictChanged {
			pending = true
		}
		if o.Verdict == types.VerdictSkipped && r.dryRun {
			pending = true
		}
	}

	if r.policy.RestartProxy && pending && r.restarter != nil {
		outcomes = append(outcomes, r.restart(ctx, node))
	}

	return outcomes, nil
}

func (r *Remediator) apply(ctx context.Context, node types.Node, action types.RemediationAction) types.ActionOutcome {
	log := r.logger.With(zap.String("node", node.String()), zap.String("action", action.String()))
	start := time.Now()
	outcome := types.ActionOutcome{Action: action}
	defer func() {
		outcome.Duration = time.Since(start)
		metrics.ActionsTotal.WithLabelValues(string(action.Kind), string(outcome.Verdict)).Inc()
	}()

	op, err := r.operation(action)
	if err != nil {
		outcome.Verdict, outcome.Error = types.VerdictFailed, err.Error()
		log.Error("Unsupported action", zap.Error(err))
		return outcome
	}

	satisfied, err := op.satisfied(ctx, node)
	if err != nil {
		outcome.Verdict, outcome.Error = types.VerdictFailed, err.Error()
		log.Error("Could not check precondition", zap.Error(err))
		return outcome
	}
	if satisfied {
		outcome.Verdict = types.VerdictAlreadySatisfied
		log.Info("Action already satisfied")
		return outcome
	}

	if r.dryRun {
		outcome.Verdict = types.VerdictSkipped
		log.Info("Dry run: action would be applied")
		return outcome
	}

	if err := op.apply(ctx, node); err != nil {
		outcome.Verdict, outcome.Error = types.VerdictFailed, err.Error()
		log.Error("Action failed", zap.Error(err))
		return outcome
	}

	converged, err := op.satisfied(ctx, node)
	switch {
	case err != nil:
		outcome.Verdict, outcome.Error = types.VerdictFailed, fmt.Sprintf("postcondition unreadable: %v", err)
	case !converged:
		outcome.Verdict, outcome.Error = types.VerdictFailed, "action applied but state did not converge"
	default:
		outcome.Verdict = types.VerdictChanged
	}

	if outcome.Verdict == types.VerdictChanged {
		log.Info("Action applied")
	} else {
		log.Error("Action did not converge", zap.String("error", outcome.Error))
	}
	return outcome
}

func (r *Remediator) restart(ctx context.Context, node types.Node) types.ActionOutcome {
	action := types.RemediationAction{Kind: types.ActionRestartProxyService}
	log := r.logger.With(zap.String("node", node.String()), zap.String("action", action.String()))
	start := time.Now()
	outcome := types.ActionOutcome{Action: action, Verdict: types.VerdictChanged}

	if r.dryRun {
		outcome.Verdict = types.VerdictSkipped
		log.Info("Dry run: proxy would be restarted")
	} else if err := r.restarter.Restart(ctx, node); err != nil {
		outcome.Verdict, outcome.Error = types.VerdictFailed, err.Error()
		log.Error("Proxy restart failed", zap.Error(err))
	} else {
		log.Info("Proxy restarted")
	}

	outcome.Duration = time.Since(start)
	metrics.ActionsTotal.WithLabelValues(string(action.Kind), string(outcome.Verdict)).Inc()
	return outcome
}

// operation pairs a live precondition check with the mutation that satisfies it
type operation struct {
	satisfied func(ctx context.Context, node types.Node) (bool, error)
	apply     func(ctx context.Context, node types.Node) error
}

func (r *Remediator) operation(action types.RemediationAction) (operation, error) {
	run := func(cmd executor.Command) func(context.Context, types.Node) error {
		return func(ctx context.Context, node types.Node) error {
			_, err := executor.Run(ctx, r.exec, node, cmd)
			return err
		}
	}

	switch action.Kind {
	case types.ActionEnableIPForward:
		return operation{
			satisfied: func(ctx context.Context, node types.Node) (bool, error) {
				out, err := executor.Run(ctx, r.exec, node, cmdReadIPForward)
				if err != nil {
					return false, err
				}
				return parseSysctlBool(out.Stdout)
			},
			apply: run(executor.Cmd("sysctl", "-w", "net.ipv4.ip_forward=1")),
		}, nil

	case types.ActionLoadKernelModule:
		if action.Module == "" {
			return operation{}, fmt.Errorf("LoadKernelModule without a module name")
		}
		return operation{
			satisfied: func(ctx context.Context, node types.Node) (bool, error) {
				out, err := executor.Run(ctx, r.exec, node, cmdListModules)
				if err != nil {
					return false, err
				}
				_, ok := parseModules(out.Stdout)[action.Module]
				return ok, nil
			},
			apply: run(executor.Cmd("modprobe", action.Module)),
		}, nil

	case types.ActionSetForwardPolicyAccept:
		return operation{
			satisfied: func(ctx context.Context, node types.Node) (bool, error) {
				out, err := executor.Run(ctx, r.exec, node, cmdReadForwardPolicy)
				if err != nil {
					return false, err
				}
				return parseForwardPolicy(out.Stdout)
			},
			apply: run(executor.Cmd("iptables", "-P", "FORWARD", "ACCEPT")),
		}, nil

	case types.ActionFlushIPVSTable:
		return operation{
			satisfied: func(ctx context.Context, node types.Node) (bool, error) {
				out, err := executor.Run(ctx, r.exec, node, cmdListIPVS)
				if err != nil {
					return false, err
				}
				return countIPVSEntries(out.Stdout) == 0, nil
			},
			apply: run(executor.Cmd("ipvsadm", "-C")),
		}, nil
	}

	return operation{}, fmt.Errorf("no operation for action %s", action)
}
