package cmd

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"k8s-netremedy/internal/diagnostic"
	"k8s-netremedy/internal/engine"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run a single DNS probe against the cluster DNS service",
	Long: `Launch one ephemeral netshoot pod, resolve a name through the cluster DNS
service and report the classified result. No node is inspected or changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// remediate owns the global binding until this command runs
		bindFlags(cmd.Flags(), map[string]string{"target_cluster_ip": "target"})
		cfg, err := loadConfig(nil)
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

		if err := diagnostic.Preflight(ctx, a.cluster.Clientset, cfg.Namespace); err != nil {
			return errors.Mark(errors.Wrap(err, "preflight failed"), engine.ErrFatal)
		}
		target, err := a.resolveTarget(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("🔍 Probing %s for %s (timeout %s)\n", target, cfg.Probe.QueryName, cfg.Probe.Timeout)
		result := a.validator.Validate(ctx, target, cfg.Probe.Timeout)
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "validation cancelled")
		}

		fmt.Printf("%s %s\n", statusIcon(result), result.Status)
		if cfg.Log.Verbose || !result.OK() {
			for _, line := range strings.Split(strings.TrimSpace(result.RawOutput), "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
		if !result.OK() {
			return errors.Mark(errors.Newf("DNS at %s unreachable: %s", target, result.Status), ErrRunFailed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("target", "", "cluster DNS IP to validate (discovered from the DNS service if empty)")
}
