package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"k8s-netremedy/internal/dataplane"
	"k8s-netremedy/internal/types"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show each node's dataplane state and the fixes it would get",
	Long: `Measure every node's proxy mode, IP forwarding, kernel modules, FORWARD chain
policy and IPVS table, then print the corrective actions a remediation pass
would plan. Nothing is changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeFlags, _ := cmd.Flags().GetStringSlice("node")
		cfg, err := loadConfig(nodeFlags)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		nodes, err := a.resolveNodes(ctx)
		if err != nil {
			return err
		}
		policy := dataplane.Policy{
			EnableIPForward:   cfg.Remediation.EnableIPForward,
			LoadKernelModules: cfg.Remediation.LoadKernelModules,
			SetForwardPolicy:  cfg.Remediation.SetForwardPolicy,
			FlushIPVS:         cfg.Remediation.FlushIPVS,
			RestartProxy:      cfg.Remediation.RestartProxy,
			Modules: dataplane.ModulePolicy{
				Modules:     cfg.Remediation.Modules,
				IPVSModules: cfg.Remediation.IPVSModules,
			},
		}

		fmt.Printf("🔍 Inspecting %d node(s)\n\n", len(nodes))
		for _, node := range nodes {
			state, err := a.inspector.Inspect(ctx, node)
			if err != nil {
				return errors.Wrapf(err, "inspection of %s interrupted", node)
			}
			printState(state, dataplane.Plan(state, policy))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringSlice("node", nil, "node to inspect as name or name=address (repeatable; default all nodes)")
}

func printState(state types.NodeNetworkState, plan []types.RemediationAction) {
	fmt.Printf("🖥️  %s\n", state.NodeID)
	fmt.Printf("  Proxy mode: %s\n", state.ProxyMode)
	fmt.Printf("  IP forwarding: %s\n", measured(state, types.ProbeIPForward, state.IPForwardEnabled))
	fmt.Printf("  FORWARD policy ACCEPT: %s\n", measured(state, types.ProbeForwardPolicy, state.ForwardPolicyAccept))
	if state.Measured(types.ProbeModules) {
		fmt.Printf("  Loaded modules: %s\n", strings.Join(state.LoadedModules(), ", "))
	} else {
		fmt.Printf("  Loaded modules: ⚠️  unreadable\n")
	}
	if state.ProxyMode == types.ProxyModeIPVS {
		if state.Measured(types.ProbeIPVS) {
			fmt.Printf("  IPVS entries: %d\n", state.IPVSEntryCount)
		} else {
			fmt.Printf("  IPVS entries: ⚠️  unreadable\n")
		}
	}

	if len(state.ProbeErrors) > 0 {
		probes := make([]string, 0, len(state.ProbeErrors))
		for p := range state.ProbeErrors {
			probes = append(probes, p)
		}
		sort.Strings(probes)
		for _, p := range probes {
			fmt.Printf("  ⚠️  %s: %s\n", p, state.ProbeErrors[p])
		}
	}

	if len(plan) == 0 {
		fmt.Printf("  ✅ No action needed\n\n")
		return
	}
	fmt.Printf("  🔧 Planned actions:\n")
	for _, action := range plan {
		fmt.Printf("    • %s\n", action)
	}
	fmt.Printf("\n")
}

func measured(state types.NodeNetworkState, probe string, value bool) string {
	switch {
	case !state.Measured(probe):
		return "⚠️  unreadable"
	case value:
		return "✅ yes"
	default:
		return "❌ no"
	}
}
