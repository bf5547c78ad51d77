package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"k8s-netremedy/internal/diagnostic"
	"k8s-netremedy/internal/engine"
	"k8s-netremedy/internal/metrics"
	"k8s-netremedy/internal/types"
)

// remediateCmd represents the remediate command
var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "Validate DNS connectivity and repair nodes until it works",
	Long: `Validate that pods can resolve names through the cluster DNS service and,
while they cannot, repair every node's dataplane and try again.

Each failed validation starts an attempt:
- Inspect every node: proxy mode, IP forwarding, kernel modules, FORWARD policy, IPVS table
- Apply only the fixes the measured state calls for, verifying each one
- Restart the service proxy on nodes where something changed
- Wait, then validate again

When the attempt budget or run timeout is spent, a diagnostics archive is
written and its path is printed on stderr. The exit code is 0 on success,
1 when connectivity could not be restored and 2 on configuration errors.`,
	RunE: runRemediate,
}

func init() {
	rootCmd.AddCommand(remediateCmd)

	flags := remediateCmd.Flags()
	flags.String("target", "", "cluster DNS IP to validate (discovered from the DNS service if empty)")
	flags.StringSlice("node", nil, "node to remediate as name or name=address (repeatable; default all nodes)")
	flags.Int("max-attempts", 3, "validations before giving up")
	flags.Duration("delay", 0, "wait between a remediation pass and the next validation")
	flags.Duration("run-timeout", 0, "ceiling on the whole run")
	flags.Int("parallelism", 1, "nodes remediated concurrently")
	flags.Bool("dry-run", false, "inspect and plan without changing any node")
	flags.String("metrics-file", "", "write Prometheus metrics to this file when the run ends")
	flags.String("report", "", "directory for the JSON attempt report (empty disables it)")

	bindFlags(flags, map[string]string{
		"target_cluster_ip":         "target",
		"retry.max_attempts":        "max-attempts",
		"retry.inter_attempt_delay": "delay",
		"retry.run_timeout":         "run-timeout",
		"remediation.parallelism":   "parallelism",
		"dry_run":                   "dry-run",
		"metrics_file":              "metrics-file",
	})
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRemediate(cmd *cobra.Command, args []string) error {
	nodeFlags, _ := cmd.Flags().GetStringSlice("node")
	reportDir, _ := cmd.Flags().GetString("report")

	cfg, err := loadConfig(nodeFlags)
	if err != nil {
		return err
	}
	if cfg.Log.Verbose {
		printConfig(cfg)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	target, err := a.resolveTarget(ctx)
	if err != nil {
		return err
	}
	nodes, err := a.resolveNodes(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("🚀 Remediating DNS path to %s across %d node(s)\n\n", target, len(nodes))

	result, runErr := a.engine.Run(ctx, engine.Request{
		Target:            target,
		Nodes:             nodes,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InterAttemptDelay: cfg.Retry.InterAttemptDelay,
		ProbeTimeout:      cfg.Probe.Timeout,
		RunTimeout:        cfg.Retry.RunTimeout,
	})

	if result != nil {
		printResult(result)

		if reportDir != "" {
			path, err := diagnostic.SaveAttemptReport(reportDir, diagnostic.NewResultReport(target, result))
			if err != nil {
				fmt.Printf("⚠️  Warning: Failed to save attempt report: %v\n", err)
			} else {
				fmt.Printf("📄 Attempt report saved to: %s\n", path)
			}
		}
	}
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			fmt.Printf("⚠️  Warning: Failed to write metrics: %v\n", err)
		}
	}
	if path := a.log.FilePath(); path != "" {
		fmt.Printf("📝 Detailed log: %s\n", path)
	}

	if runErr != nil {
		return runErr
	}
	if !result.Succeeded() {
		if result.Bundle != nil && result.Bundle.ArchivePath != "" {
			fmt.Fprintf(os.Stderr, "Diagnostics archive: %s\n", result.Bundle.ArchivePath)
		}
		return errors.Mark(errors.Newf("DNS at %s still unreachable after %d attempt(s)", target, len(result.Attempts)), ErrRunFailed)
	}
	return nil
}

func printResult(result *types.EngineResult) {
	for _, attempt := range result.Attempts {
		fmt.Printf("🧪 Attempt %d: %s %s\n", attempt.Index, statusIcon(attempt.PreValidation), attempt.PreValidation.Status)

		nodes := make([]string, 0, len(attempt.ActionsApplied))
		for node := range attempt.ActionsApplied {
			nodes = append(nodes, node)
		}
		sort.Strings(nodes)
		for _, node := range nodes {
			outcomes := attempt.ActionsApplied[node]
			if len(outcomes) == 0 {
				fmt.Printf("  • %s: nothing to do\n", node)
				continue
			}
			fmt.Printf("  • %s:\n", node)
			for _, o := range outcomes {
				line := fmt.Sprintf("    %s %s (%s)", verdictIcon(o.Verdict), o.Action, o.Verdict)
				if o.Error != "" {
					line += ": " + o.Error
				}
				fmt.Println(line)
			}
		}
		if attempt.PostValidation != nil {
			fmt.Printf("  ↳ re-validation: %s %s\n", statusIcon(*attempt.PostValidation), attempt.PostValidation.Status)
		}
	}

	fmt.Printf("\n📊 Run Summary:\n")
	fmt.Printf("  Run ID: %s\n", result.RunID)
	fmt.Printf("  Attempts: %d, Duration: %s\n", len(result.Attempts), result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	if result.Succeeded() {
		fmt.Printf("  ✅ DNS connectivity verified\n")
		return
	}
	fmt.Printf("  ❌ DNS connectivity not restored\n")
	if b := result.Bundle; b != nil {
		if b.ArchivePath != "" {
			fmt.Printf("  📦 Diagnostics: %s\n", b.ArchivePath)
		}
		if n := len(b.CollectorErrors); n > 0 {
			fmt.Printf("  ⚠️  %d diagnostics step(s) failed, see errors.txt in the archive\n", n)
		}
	}
}

func statusIcon(r types.ValidationResult) string {
	if r.OK() {
		return "✅"
	}
	return "❌"
}

func verdictIcon(v types.Verdict) string {
	switch v {
	case types.VerdictChanged:
		return "🔧"
	case types.VerdictAlreadySatisfied:
		return "✓"
	case types.VerdictSkipped:
		return "⏭️"
	default:
		return "❌"
	}
}
